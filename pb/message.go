// Package pb defines the logical wire envelope every overlay message
// travels in. Encoding is delegated to gogo/protobuf reflection over the
// struct tags; the router and rpc layers depend only on the fields.
package pb

import (
	proto "github.com/gogo/protobuf/proto"
)

// Message_MessageType enumerates the overlay message kinds.
type Message_MessageType int32

const (
	Message_PING       Message_MessageType = 0
	Message_CONNECT    Message_MessageType = 1
	Message_FIND_NODES Message_MessageType = 2
	Message_DATA       Message_MessageType = 3
	Message_RESPONSE   Message_MessageType = 4
)

var messageTypeName = map[Message_MessageType]string{
	Message_PING:       "PING",
	Message_CONNECT:    "CONNECT",
	Message_FIND_NODES: "FIND_NODES",
	Message_DATA:       "DATA",
	Message_RESPONSE:   "RESPONSE",
}

func (t Message_MessageType) String() string {
	if s, ok := messageTypeName[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Message is the wire envelope. Source and Destination carry full-width
// overlay identifiers; CorrelationId links a request to its response; Hops
// bounds forwarding loops.
type Message struct {
	Type          Message_MessageType `protobuf:"varint,1,opt,name=type,proto3,enum=routing.pb.Message_MessageType" json:"type,omitempty"`
	Source        []byte              `protobuf:"bytes,2,opt,name=source,proto3" json:"source,omitempty"`
	Destination   []byte              `protobuf:"bytes,3,opt,name=destination,proto3" json:"destination,omitempty"`
	GroupClaim    []byte              `protobuf:"bytes,4,opt,name=groupClaim,proto3" json:"groupClaim,omitempty"`
	CorrelationId string              `protobuf:"bytes,5,opt,name=correlationId,proto3" json:"correlationId,omitempty"`
	Hops          int32               `protobuf:"varint,6,opt,name=hops,proto3" json:"hops,omitempty"`
	Direct        bool                `protobuf:"varint,7,opt,name=direct,proto3" json:"direct,omitempty"`
	Cacheable     bool                `protobuf:"varint,8,opt,name=cacheable,proto3" json:"cacheable,omitempty"`

	// LastId is the identifier of the immediate sender of the current hop,
	// excluded when picking the next hop.
	LastId []byte `protobuf:"bytes,9,opt,name=lastId,proto3" json:"lastId,omitempty"`

	// Connect fields.
	ContactEndpoint string `protobuf:"bytes,10,opt,name=contactEndpoint,proto3" json:"contactEndpoint,omitempty"`
	NatType         int32  `protobuf:"varint,11,opt,name=natType,proto3" json:"natType,omitempty"`
	Client          bool   `protobuf:"varint,12,opt,name=client,proto3" json:"client,omitempty"`

	// FindNodes fields.
	Count        int32           `protobuf:"varint,13,opt,name=count,proto3" json:"count,omitempty"`
	ClosestPeers []*Message_Peer `protobuf:"bytes,14,rep,name=closestPeers,proto3" json:"closestPeers,omitempty"`

	// Response fields.
	Code int32 `protobuf:"varint,15,opt,name=code,proto3" json:"code,omitempty"`

	// Fingerprint identifies a cacheable request; responses echo it so that
	// nodes along the return path may populate their caches.
	Fingerprint []byte `protobuf:"bytes,16,opt,name=fingerprint,proto3" json:"fingerprint,omitempty"`

	Payload []byte `protobuf:"bytes,17,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return proto.CompactTextString(m) }
func (*Message) ProtoMessage()    {}

// Message_Peer describes one peer in a FindNodes response.
type Message_Peer struct {
	Id       []byte `protobuf:"bytes,1,opt,name=id,proto3" json:"id,omitempty"`
	Endpoint string `protobuf:"bytes,2,opt,name=endpoint,proto3" json:"endpoint,omitempty"`
	NatType  int32  `protobuf:"varint,3,opt,name=natType,proto3" json:"natType,omitempty"`
}

func (m *Message_Peer) Reset()         { *m = Message_Peer{} }
func (m *Message_Peer) String() string { return proto.CompactTextString(m) }
func (*Message_Peer) ProtoMessage()    {}

// NewMessage constructs an envelope with the given type, source and
// destination identifiers.
func NewMessage(typ Message_MessageType, source, destination []byte) *Message {
	return &Message{
		Type:        typ,
		Source:      source,
		Destination: destination,
	}
}

// IsResponse reports whether the envelope carries a correlated reply.
func (m *Message) IsResponse() bool {
	return m.Type == Message_RESPONSE
}

// IsRequest reports whether a response is expected for this envelope.
func (m *Message) IsRequest() bool {
	return m.Type != Message_RESPONSE && m.CorrelationId != ""
}
