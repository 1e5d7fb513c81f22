package model

// MessageType identifies an incoming replication message
type MessageType byte

const (
	MessageDocuments MessageType = 1
	MessageHeartbeat MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageDocuments:
		return "documents"
	case MessageHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// BatchHeader is the envelope read at the start of every cycle
type BatchHeader struct {
	Type                  MessageType
	LastItemCounter       int64
	ItemCount             int32
	AttachmentStreamCount int32
	SenderVector          string
}

// ReplyType is the status sent back to the peer
type ReplyType byte

const (
	ReplyOk                 ReplyType = 1
	ReplyError              ReplyType = 2
	ReplyMissingAttachments ReplyType = 3
	ReplyProcessing         ReplyType = 4
)

func (t ReplyType) String() string {
	switch t {
	case ReplyOk:
		return "ok"
	case ReplyError:
		return "error"
	case ReplyMissingAttachments:
		return "missing_attachments"
	case ReplyProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// BatchReply is sent after each message and as a keep-alive while a batch is applied
type BatchReply struct {
	Type          ReplyType
	RespondingTo  MessageType
	LastAccepted  int64
	CurrentEtag   int64
	CurrentVector string
	Exception     string
	MissingHashes []string
}
