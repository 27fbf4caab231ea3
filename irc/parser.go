package irc

import (
	"regexp"
	"strconv"
	"strings"
)

// ServerIdentity is the prefix token Twitch uses to identify itself on
// the chat socket.
const ServerIdentity = ":tmi.twitch.tv"

// CodeCommand marks a payload carrying a named command rather than a
// numeric reply.
const CodeCommand = 200

// CodeNames is the numeric reply carrying a channel member list.
const CodeNames = 353

var (
	userRegex    = regexp.MustCompile(`user-type=*\S*.:(.*?)!\S*`)
	channelRegex = regexp.MustCompile(`tmi\.twitch\.tv [A-Z()]* #(\S*)`)
)

// Payload is the parsed form of one line of the chat wire protocol. It is
// constructed once by the parser and never mutated afterwards.
//
// Exactly one of Action or a non-200 Code is populated: numeric replies
// are not dispatched as named events.
type Payload struct {
	// Raw is the original line as received.
	Raw string

	// Code is the numeric reply code, or 200 for a named command.
	Code int

	// Action is the command name, e.g. PRIVMSG or PING. Empty for
	// numeric replies.
	Action string

	// Message is the trailing text payload, if any.
	Message string

	// Channel is the channel name without the leading #.
	Channel string

	// User is the login of the sender, if one could be derived.
	User string

	// Names is the member list carried by a 353 reply.
	Names []string

	// Tags holds the IRCv3 message tags, excluding badges. Always
	// non-nil.
	Tags map[string]string

	// Badges holds the decomposed badges tag. Always non-nil.
	Badges map[string]string
}

// ParseLines parses a newline-joined blob into payloads, one per line,
// preserving input order. Empty input yields no payloads.
func ParseLines(data string) []*Payload {
	if data == "" {
		return nil
	}

	lines := strings.Split(data, "\n")
	payloads := make([]*Payload, 0, len(lines))

	for _, line := range lines {
		payloads = append(payloads, Parse(strings.TrimSuffix(line, "\r")))
	}

	return payloads
}

// Parse parses a single newline-stripped line.
func Parse(data string) *Payload {
	payload := &Payload{
		Raw:    data,
		Tags:   make(map[string]string),
		Badges: make(map[string]string),
	}

	if match := channelRegex.FindStringSubmatch(data); match != nil {
		payload.Channel = match[1]
	}

	if match := userRegex.FindStringSubmatch(data); match != nil {
		payload.User = match[1]
	}

	parts := strings.Split(data, " ")

	for i, part := range parts {
		if part == ServerIdentity {
			parts = append(parts[:i], parts[i+1:]...)

			break
		}
	}

	if len(parts) == 0 || parts[0] == "" {
		payload.Code = CodeCommand

		return payload
	}

	zero := parts[0]

	payload.Code = parseCode(zero, parts)

	switch {
	case strings.HasPrefix(zero, "PING"):
		payload.Action = "PING"
	case strings.HasPrefix(zero, "@"):
		if payload.User != "" && len(parts) > 2 {
			payload.Action = parts[2]
		} else if len(parts) > 1 {
			payload.Action = parts[1]
		}

		parseTags(strings.TrimPrefix(zero, "@"), payload)
	case strings.HasPrefix(zero, ":"):
		if len(parts) > 1 {
			payload.Action = parts[1]
		}
	default:
		payload.Action = zero
	}

	if payload.Code == CodeNames {
		// The generic regexes do not match the NAMES reply shape, so
		// user and channel are re-derived positionally.
		payload.Names = strings.Fields(data[strings.LastIndex(data, ":")+1:])

		if len(parts) > 4 {
			payload.User = parts[2]
			payload.Channel = strings.TrimPrefix(parts[4], "#")
		}
	} else {
		payload.Message = data[strings.LastIndex(data, ":")+1:]
	}

	// PRIVMSG bodies may themselves contain colons, so the channel-then-
	// colon literal is the only safe delimiter.
	if payload.Channel != "" && strings.Contains(data, "PRIVMSG") {
		marker := payload.Channel + " :"
		if idx := strings.LastIndex(data, marker); idx >= 0 {
			payload.Message = data[idx+len(marker):]
		}
	}

	if payload.Code != CodeCommand {
		payload.Action = ""
	}

	return payload
}

func parseCode(zero string, parts []string) int {
	if code, err := strconv.Atoi(zero); err == nil {
		return code
	}

	if len(parts) > 1 {
		if code, err := strconv.Atoi(parts[1]); err == nil {
			return code
		}
	}

	return CodeCommand
}

func parseTags(raw string, payload *Payload) {
	for _, tag := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(tag, "=")
		if !ok {
			continue
		}

		if key == "badges" && value != "" {
			for _, badge := range strings.Split(value, ",") {
				bkey, bvalue, ok := strings.Cut(badge, "/")
				if !ok {
					continue
				}

				payload.Badges[bkey] = bvalue
			}

			continue
		}

		payload.Tags[key] = value
	}
}
