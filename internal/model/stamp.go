package model

type (
	StampType int32

	// StampOutpoints is a serialized transaction together with the indices
	// of its outputs that are claimed as stamp value.
	StampOutpoints struct {
		StampTx []byte
		Vouts   []uint32
	}

	Stamp struct {
		StampType      StampType
		StampOutpoints []*StampOutpoints
	}
)

const (
	StampTypeNone              StampType = 0
	StampTypeMessageCommitment StampType = 1
)

func (t StampType) String() string {
	switch t {
	case StampTypeNone:
		return "none"
	case StampTypeMessageCommitment:
		return "message-commitment"
	default:
		return "unknown"
	}
}
