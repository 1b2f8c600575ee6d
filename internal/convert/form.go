package convert

import (
	"context"
	"sync"

	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// State は変換フォームの状態。
type State string

const (
	StateIdle         State = "IDLE"
	StateFileSelected State = "FILE_SELECTED"
	StateConverting   State = "CONVERTING"
	StateDownloaded   State = "DOWNLOADED"
	StateFailed       State = "FAILED"
)

// Form は1つの変換フォーム（UIインスタンス）の状態機械。
//
//	IDLE → FILE_SELECTED → CONVERTING → (DOWNLOADED | FAILED)
//
// 完了後は再度変換するかファイルを選び直せる。CONVERTING中の変換要求は拒否する。
// 拒否された選択は直前の選択と状態を残す。
type Form struct {
	driver *Driver

	mu     sync.Mutex
	state  State
	job    *Job
	target string
}

// NewForm はIDLE状態のFormを生成する。
func NewForm(driver *Driver) *Form {
	return &Form{
		driver: driver,
		state:  StateIdle,
	}
}

// State は現在の状態を返す。
func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SelectFile はファイルを選択する。
// 受け付け対象外のタイプの場合はUNSUPPORTED_TYPEを返し、選択と状態は変えない。
func (f *Form) SelectFile(fileName, mimeType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateConverting {
		return model.NewConversionInProgressError()
	}

	job, err := NewJob(fileName, mimeType, data)
	if err != nil {
		return err
	}

	f.job = job
	f.state = StateFileSelected
	return nil
}

// SetTarget は変換先タイプを選択する。
func (f *Form) SetTarget(mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mimeType = NormalizeType(mimeType)
	if !IsAllowed(mimeType) {
		return model.NewUnsupportedTypeError(mimeType)
	}
	f.target = mimeType
	return nil
}

// Convert は選択中のファイルを変換する。
// 変換先が変換元と同じ場合はネットワーク呼び出しなしでNO_OP_CONVERSIONを返す。
func (f *Form) Convert(ctx context.Context, sess *model.Session) (*Download, error) {
	f.mu.Lock()
	switch {
	case f.state == StateConverting:
		f.mu.Unlock()
		return nil, model.NewConversionInProgressError()
	case f.job == nil:
		f.mu.Unlock()
		return nil, model.NewInvalidUploadError("no file selected")
	case f.target == "":
		f.mu.Unlock()
		return nil, model.NewInvalidUploadError("no target type selected")
	case f.target == f.job.SourceType:
		f.state = StateFileSelected
		f.mu.Unlock()
		return nil, model.NewNoOpConversionError()
	}

	job, target := f.job, f.target
	f.state = StateConverting
	f.mu.Unlock()

	dl, err := f.driver.Run(ctx, sess, job, target)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateFailed
		return nil, err
	}
	f.state = StateDownloaded
	return dl, nil
}
