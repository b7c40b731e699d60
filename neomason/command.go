package neomason

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Slash command and '!' command names
const (
	CommandNameAward          = "based"
	CommandNameListScores     = "basedstats"
	CommandNameListResponses  = "list"
	CommandNameAddResponse    = "set"
	CommandNameRemoveResponse = "delresp"
	CommandNameGank           = "gank"

	commandOptionUser     = "user"
	commandOptionKeyword  = "keyword"
	commandOptionResponse = "response"
)

// mentionToken matches a user mention (<@123> or <@!123>) in raw
// message content
var mentionToken = regexp.MustCompile(`<@!?\d+>`)

type commandKind int

const (
	commandNone commandKind = iota
	commandAward
	commandListScores
	commandListResponses
	commandAddResponse
	commandRemoveResponse
	commandGank
)

func (k commandKind) String() string {
	switch k {
	case commandNone:
		return "none"
	case commandAward:
		return CommandNameAward
	case commandListScores:
		return CommandNameListScores
	case commandListResponses:
		return CommandNameListResponses
	case commandAddResponse:
		return CommandNameAddResponse
	case commandRemoveResponse:
		return CommandNameRemoveResponse
	case commandGank:
		return CommandNameGank
	default:
		return "unknown"
	}
}

// commandKindFromName maps a slash command name to its kind
func commandKindFromName(name string) commandKind {
	switch name {
	case CommandNameAward:
		return commandAward
	case CommandNameListScores:
		return commandListScores
	case CommandNameListResponses:
		return commandListResponses
	case CommandNameAddResponse:
		return commandAddResponse
	case CommandNameRemoveResponse:
		return commandRemoveResponse
	case CommandNameGank:
		return commandGank
	default:
		return commandNone
	}
}

// command is the result of parsing a message's content
type command struct {
	kind     commandKind
	keyword  string
	response string

	// err is set when the command was recognized, but its arguments
	// couldn't be parsed
	err error

	// prefixed is true if the message started with the command prefix,
	// even if the command itself wasn't recognized
	prefixed bool
}

type commandParser struct {
	prefix       string
	awardTrigger string
	gankTrigger  string
}

func newCommandParser(config *Config) commandParser {
	return commandParser{
		prefix:       config.CommandPrefix,
		awardTrigger: strings.ToLower(config.AwardTrigger),
		gankTrigger:  strings.ToLower(config.GankTrigger),
	}
}

// isCommand reports whether the message should be treated as a command,
// and so not considered as an award target
func (c command) isCommand() bool {
	return c.prefixed || c.kind != commandNone
}

func (p commandParser) parse(content string) command {
	s := strings.TrimLeftFunc(content, unicode.IsSpace)
	if p.prefix != "" && strings.HasPrefix(s, p.prefix) {
		return p.parsePrefixed(s[len(p.prefix):])
	}

	bare := strings.ToLower(
		strings.TrimSpace(mentionToken.ReplaceAllString(s, " ")),
	)
	switch bare {
	case "":
		return command{}
	case p.awardTrigger:
		return command{kind: commandAward}
	case p.gankTrigger:
		return command{kind: commandGank}
	}
	return command{}
}

func (p commandParser) parsePrefixed(s string) command {
	cmd := command{prefixed: true}

	name, args := s, ""
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		name = s[:i]
		args = dropSeparator(s[i:])
	}

	switch strings.ToLower(name) {
	case CommandNameListScores:
		cmd.kind = commandListScores
	case CommandNameListResponses:
		cmd.kind = commandListResponses
	case CommandNameAddResponse:
		cmd.kind = commandAddResponse
		cmd.keyword, cmd.response, cmd.err = parseSetArgs(args)
	case CommandNameRemoveResponse:
		cmd.kind = commandRemoveResponse
		cmd.keyword = strings.TrimSpace(strings.Trim(strings.TrimSpace(args), `"`))
		if cmd.keyword == "" {
			cmd.err = ErrNoKeyword
		}
	}
	return cmd
}

// parseSetArgs splits `"some keywords" a response` or `keyword a response`
// into the keyword and response. The response is everything after
// the keyword and a single separator, unmodified.
func parseSetArgs(args string) (keyword string, response string, err error) {
	args = strings.TrimLeftFunc(args, unicode.IsSpace)

	var rest string
	if strings.HasPrefix(args, `"`) {
		end := strings.IndexByte(args[1:], '"')
		if end < 0 {
			return "", "", ErrNoKeyword
		}
		keyword = args[1 : end+1]
		rest = args[end+2:]
	} else {
		keyword, rest = args, ""
		if i := strings.IndexFunc(args, unicode.IsSpace); i >= 0 {
			keyword, rest = args[:i], args[i:]
		}
	}

	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return "", "", ErrNoKeyword
	}

	response = dropSeparator(rest)
	// discord won't send a blank message
	if strings.TrimSpace(response) == "" {
		return keyword, "", ErrEmptyResponse
	}
	return keyword, response, nil
}

// dropSeparator removes a single leading whitespace character
func dropSeparator(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size > 0 && unicode.IsSpace(r) {
		return s[size:]
	}
	return s
}
