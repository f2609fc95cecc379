package types

// MaxPid is the highest packet identifier a transport stream can carry
// (13 bits on the wire).
const MaxPid = 0x1FFF

// PidType classifies what a PID carries when it is enabled on a session.
type PidType int

// PID classes forwarded to the streaming session.
const (
	PidTypeVideo PidType = iota
	PidTypeAudio
	PidTypeDolby
	PidTypeTeletext
	PidTypePCR
	PidTypeOther
)

func (t PidType) String() string {
	switch t {
	case PidTypeVideo:
		return "video"
	case PidTypeAudio:
		return "audio"
	case PidTypeDolby:
		return "dolby"
	case PidTypeTeletext:
		return "teletext"
	case PidTypePCR:
		return "pcr"
	case PidTypeOther:
		return "other"
	}
	return "unknown"
}
