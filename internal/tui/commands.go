package tui

import (
	"encoding/json"
	"errors"
	"strings"
)

type CommandKind int

const (
	CommandMessage CommandKind = iota
	CommandOrder
	CommandRetry
	CommandCancel
	CommandFailed
	CommandUpdate
	CommandReconnect
	CommandQuit
	CommandHelp
)

var ErrUnknownCommand = errors.New("unknown command")

type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand 以 / 开头的输入是命令，其余都是聊天消息
func ParseCommand(input string) (Command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Command{Kind: CommandMessage, Arg: input}, nil
	}
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/order":
		if !json.Valid([]byte(arg)) {
			return Command{}, errors.New("usage: /order <json>")
		}
		return Command{Kind: CommandOrder, Arg: arg}, nil
	case "/retry":
		return Command{Kind: CommandRetry, Arg: arg}, nil
	case "/cancel":
		if arg == "" {
			return Command{}, errors.New("usage: /cancel <id>")
		}
		return Command{Kind: CommandCancel, Arg: arg}, nil
	case "/failed":
		return Command{Kind: CommandFailed}, nil
	case "/update":
		return Command{Kind: CommandUpdate}, nil
	case "/reconnect":
		return Command{Kind: CommandReconnect}, nil
	case "/help":
		return Command{Kind: CommandHelp}, nil
	case "/quit":
		return Command{Kind: CommandQuit}, nil
	default:
		return Command{}, ErrUnknownCommand
	}
}
