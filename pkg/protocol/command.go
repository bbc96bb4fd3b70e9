package protocol

import (
	"strings"
)

// Reserved characters
const (
	Separator      = "~" // COMMAND~VALUE
	StatsSeparator = "|" // !STATS~UUID|statsJSON
	ReplySeparator = "|" // success|100, error|001
)

// Command keywords sent by the plugin
const (
	KeywordAuth       = "!AUTH"
	KeywordBeat       = "!BEAT"
	KeywordJoin       = "!JOIN"
	KeywordQuit       = "!QUIT"
	KeywordStats      = "!STATS"
	KeywordDisconnect = "!DISCONNECT"
)

// Pushes sent by the relay
const (
	PushHeartbeat       = "!heartbeat"
	PushSendAllStats    = "!sendAllPlayerStats"
	PushLoginPinKeyword = "loginPin"
)

// CommandKind identifies the variant held by a Command
type CommandKind uint8

const (
	CommandUnknown CommandKind = iota
	CommandMalformed
	CommandAuth
	CommandBeat
	CommandJoin
	CommandQuit
	CommandStats
	CommandDisconnect
)

// String returns the keyword-style name used in logs and metric labels
func (k CommandKind) String() string {
	switch k {
	case CommandAuth:
		return "AUTH"
	case CommandBeat:
		return "BEAT"
	case CommandJoin:
		return "JOIN"
	case CommandQuit:
		return "QUIT"
	case CommandStats:
		return "STATS"
	case CommandDisconnect:
		return "DISCONNECT"
	case CommandMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// Command is a decoded plugin payload.
// Only the fields belonging to Kind are set:
//   - CommandAuth: Token (may be empty when the plugin sent no token)
//   - CommandJoin, CommandQuit: PlayerUUID
//   - CommandStats: PlayerUUID, Stats
//   - CommandUnknown: Keyword
type Command struct {
	Kind       CommandKind
	Keyword    string
	Token      string
	PlayerUUID string
	Stats      string
}

// ParseCommand decodes a payload of the form COMMAND~VALUE.
// Keywords are matched case-insensitively. !BEAT, !DISCONNECT and !AUTH are
// accepted without a value; any other payload without a separator is
// CommandMalformed.
func ParseCommand(payload string) Command {
	keyword, value, hasValue := strings.Cut(payload, Separator)

	switch strings.ToUpper(keyword) {
	case KeywordBeat:
		return Command{Kind: CommandBeat, Keyword: keyword}
	case KeywordDisconnect:
		return Command{Kind: CommandDisconnect, Keyword: keyword}
	case KeywordAuth:
		return Command{Kind: CommandAuth, Keyword: keyword, Token: strings.TrimSpace(value)}
	}

	if !hasValue {
		return Command{Kind: CommandMalformed, Keyword: keyword}
	}

	switch strings.ToUpper(keyword) {
	case KeywordJoin:
		return Command{Kind: CommandJoin, Keyword: keyword, PlayerUUID: value}
	case KeywordQuit:
		return Command{Kind: CommandQuit, Keyword: keyword, PlayerUUID: value}
	case KeywordStats:
		uuid, stats, ok := strings.Cut(value, StatsSeparator)
		if !ok {
			return Command{Kind: CommandMalformed, Keyword: keyword}
		}
		return Command{Kind: CommandStats, Keyword: keyword, PlayerUUID: uuid, Stats: stats}
	default:
		return Command{Kind: CommandUnknown, Keyword: keyword}
	}
}

// ReplyCode is a coded reply from the relay to the plugin
type ReplyCode string

const (
	ReplyAuthOK         ReplyCode = "100" // Auth successful
	ReplyStatusOK       ReplyCode = "101" // Player status updated
	ReplyBadToken       ReplyCode = "001" // Auth token is invalid
	ReplyNoToken        ReplyCode = "002" // No auth token provided
	ReplyStatusFailed   ReplyCode = "003" // Player status update failed
	ReplyUnknownCommand ReplyCode = "004" // Invalid command
	ReplyMalformed      ReplyCode = "005" // Invalid request
)

// IsSuccess reports whether the code belongs to the 1xx success range
func (c ReplyCode) IsSuccess() bool {
	return strings.HasPrefix(string(c), "1")
}

// Message renders the reply payload, e.g. "success|100" or "error|004"
func (c ReplyCode) Message() string {
	if c.IsSuccess() {
		return "success" + ReplySeparator + string(c)
	}
	return "error" + ReplySeparator + string(c)
}

// ParseReply decodes a reply payload. ok is false for anything that is not a reply.
func ParseReply(payload string) (code ReplyCode, ok bool) {
	kind, value, found := strings.Cut(payload, ReplySeparator)
	if !found || len(value) != 3 {
		return "", false
	}

	code = ReplyCode(value)
	switch kind {
	case "success":
		return code, code.IsSuccess()
	case "error":
		return code, !code.IsSuccess()
	default:
		return "", false
	}
}

// LoginPinMessage renders the login notification pushed to a plugin
func LoginPinMessage(playerUUID, pin string) string {
	return PushLoginPinKeyword + Separator + playerUUID + Separator + pin
}

// ParseLoginPin decodes a login notification
func ParseLoginPin(payload string) (playerUUID, pin string, ok bool) {
	parts := strings.Split(payload, Separator)
	if len(parts) != 3 || parts[0] != PushLoginPinKeyword {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// AuthMessage renders !AUTH~token
func AuthMessage(token string) string {
	return KeywordAuth + Separator + token
}

// JoinMessage renders !JOIN~uuid
func JoinMessage(playerUUID string) string {
	return KeywordJoin + Separator + playerUUID
}

// QuitMessage renders !QUIT~uuid
func QuitMessage(playerUUID string) string {
	return KeywordQuit + Separator + playerUUID
}

// StatsMessage renders !STATS~uuid|statsJSON
func StatsMessage(playerUUID, stats string) string {
	return KeywordStats + Separator + playerUUID + StatsSeparator + stats
}
