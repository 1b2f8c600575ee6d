package app

import (
	"sort"
	"strings"
)

// Command はimgconv-webのサブコマンド。
type Command string

const (
	// CommandServe はWebフロント（ページ、OAuthフロー、変換エンドポイント）を起動する。
	CommandServe Command = "serve"
	// CommandHealthcheck は稼働中のサーバーの/api/healthを叩き、結果を終了コードで返す。
	// distrolessイメージのHEALTHCHECKから使う。設定の読み込みは行わない。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンド名と説明。
var commands = map[Command]string{
	CommandServe:       "run the web front (default)",
	CommandHealthcheck: "probe /api/health on SERVER_PORT and exit non-zero on failure",
}

// ParseCommand はコマンドライン引数の先頭をサブコマンドとして解釈する。
// 引数なし、または未知の名前はCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd := Command(args[0]); isKnown(cmd) {
		return cmd
	}
	return CommandServe
}

// unknownCommand は先頭の引数が未知のサブコマンドならその名前を返す。
func unknownCommand(args []string) (string, bool) {
	if len(args) == 0 || isKnown(Command(args[0])) {
		return "", false
	}
	return args[0], true
}

func isKnown(cmd Command) bool {
	_, ok := commands[cmd]
	return ok
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	names := make([]string, 0, len(commands))
	for cmd := range commands {
		names = append(names, string(cmd))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("usage: imgconv-web [command]\n")
	for _, name := range names {
		b.WriteString("  " + name + "\t" + commands[Command(name)] + "\n")
	}
	return b.String()
}
