// Package command classifies inbound chat text into bot commands.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the action a chat message asks for.
type Kind int

const (
	// Text is free text: a game turn when the chat has a live session.
	Text Kind = iota
	Start
	StartHere
	List
	Here
	Help
	Pause
	Resume
	Stop
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case StartHere:
		return "starthere"
	case List:
		return "list"
	case Here:
		return "here"
	case Help:
		return "help"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	default:
		return "text"
	}
}

// Command is a parsed chat message. GameID is set only for Start and StartHere.
type Command struct {
	Kind   Kind
	GameID int64
}

var (
	startIDPattern     = regexp.MustCompile(`^/start\s+.*?(\d+)`)
	startHereIDPattern = regexp.MustCompile(`^/starthere\s+.*?(\d+)`)
)

// Parse classifies body. Matching ignores case and surrounding whitespace;
// /starthere is tested before the generic /start prefix can claim it. A start
// command without a usable id degrades to List.
func Parse(body string, isGroup bool) Command {
	text := strings.ToLower(strings.TrimSpace(body))

	switch {
	case strings.HasPrefix(text, "/start ") && !strings.HasPrefix(text, "/starthere"):
		return withGameID(Start, startIDPattern, text)
	case strings.HasPrefix(text, "/starthere"):
		return withGameID(StartHere, startHereIDPattern, text)
	case text == "/start", text == "/list":
		return Command{Kind: List}
	case text == "/here" && isGroup:
		return Command{Kind: Here}
	case text == "/ajuda", text == "/help":
		return Command{Kind: Help}
	case text == "/pause":
		return Command{Kind: Pause}
	case text == "/resume":
		return Command{Kind: Resume}
	case text == "/sair", text == "/stop":
		return Command{Kind: Stop}
	default:
		return Command{Kind: Text}
	}
}

func withGameID(kind Kind, pattern *regexp.Regexp, text string) Command {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return Command{Kind: List}
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Command{Kind: List}
	}
	return Command{Kind: kind, GameID: id}
}
