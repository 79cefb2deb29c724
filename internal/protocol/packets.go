// Package protocol implements the block-game wire protocol: packet variants,
// the id registry and the framing decoder/encoder.
//
// A frame is one unsigned id byte followed by a variant-specific big-endian
// body. There is no length prefix; each body delimits itself.
package protocol

import "strings"

// ProtocolVersion is the protocol revision spoken by this server.
const ProtocolVersion = 61

// Packet ids
const (
	IDKeepAlive      byte = 0x00
	IDLogin          byte = 0x01
	IDHandshake      byte = 0x02
	IDChat           byte = 0x03
	IDFlying         byte = 0x0A
	IDClientCommand  byte = 0xCD
	IDCustomPayload  byte = 0xFA
	IDKeyResponse    byte = 0xFC
	IDKeyRequest     byte = 0xFD
	IDServerListPing byte = 0xFE
	IDKickDisconnect byte = 0xFF
)

// Field limits
const (
	MaxUsernameLength = 16
	MaxHostLength     = 255
	MaxChatLength     = 119
	MaxChannelLength  = 20
	MaxServerIDLength = 20
	MaxReasonLength   = 256
)

// Packet is a single wire message.
type Packet interface {
	// ID returns the wire identifier.
	ID() byte
	// Async reports whether the packet is handled off the tick goroutine.
	Async() bool
	Encode(w *Writer) error
	Decode(r *Reader) error
}

// KeepAlive is exchanged periodically to detect dead peers.
type KeepAlive struct {
	KeepAliveID int32
}

func (p *KeepAlive) ID() byte    { return IDKeepAlive }
func (p *KeepAlive) Async() bool { return true }

func (p *KeepAlive) Encode(w *Writer) error {
	return w.WriteInt32(p.KeepAliveID).Err()
}

func (p *KeepAlive) Decode(r *Reader) (err error) {
	p.KeepAliveID, err = r.ReadInt32()
	return err
}

// Login is sent by the server once a player has been admitted.
type Login struct {
	EntityID    int32
	LevelType   string
	GameMode    byte
	Dimension   int8
	Difficulty  byte
	WorldHeight byte
	MaxPlayers  byte
}

func (p *Login) ID() byte    { return IDLogin }
func (p *Login) Async() bool { return false }

func (p *Login) Encode(w *Writer) error {
	return w.WriteInt32(p.EntityID).
		WriteString(p.LevelType, MaxUsernameLength).
		WriteByte(p.GameMode).
		WriteByte(byte(p.Dimension)).
		WriteByte(p.Difficulty).
		WriteByte(p.WorldHeight).
		WriteByte(p.MaxPlayers).
		Err()
}

func (p *Login) Decode(r *Reader) error {
	var err error
	if p.EntityID, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.LevelType, err = r.ReadString(MaxUsernameLength); err != nil {
		return err
	}
	if p.GameMode, err = r.ReadByte(); err != nil {
		return err
	}
	dim, err := r.ReadByte()
	if err != nil {
		return err
	}
	p.Dimension = int8(dim)
	if p.Difficulty, err = r.ReadByte(); err != nil {
		return err
	}
	if p.WorldHeight, err = r.ReadByte(); err != nil {
		return err
	}
	p.MaxPlayers, err = r.ReadByte()
	return err
}

// Handshake opens the login sequence.
type Handshake struct {
	ProtocolVersion byte
	Username        string
	Host            string
	Port            int32
}

func (p *Handshake) ID() byte    { return IDHandshake }
func (p *Handshake) Async() bool { return false }

func (p *Handshake) Encode(w *Writer) error {
	return w.WriteByte(p.ProtocolVersion).
		WriteString(p.Username, MaxUsernameLength).
		WriteString(p.Host, MaxHostLength).
		WriteInt32(p.Port).
		Err()
}

func (p *Handshake) Decode(r *Reader) error {
	var err error
	if p.ProtocolVersion, err = r.ReadByte(); err != nil {
		return err
	}
	if p.Username, err = r.ReadString(MaxUsernameLength); err != nil {
		return err
	}
	if p.Host, err = r.ReadString(MaxHostLength); err != nil {
		return err
	}
	p.Port, err = r.ReadInt32()
	return err
}

// Chat carries a chat line or a slash command.
type Chat struct {
	Message string
}

func (p *Chat) ID() byte { return IDChat }

// Async is false for commands so that they run on the tick goroutine.
func (p *Chat) Async() bool { return !strings.HasPrefix(p.Message, "/") }

func (p *Chat) Encode(w *Writer) error {
	return w.WriteString(p.Message, MaxChatLength).Err()
}

func (p *Chat) Decode(r *Reader) (err error) {
	p.Message, err = r.ReadString(MaxChatLength)
	return err
}

// Flying is the bare movement update.
type Flying struct {
	OnGround bool
}

func (p *Flying) ID() byte    { return IDFlying }
func (p *Flying) Async() bool { return false }

func (p *Flying) Encode(w *Writer) error {
	return w.WriteBool(p.OnGround).Err()
}

func (p *Flying) Decode(r *Reader) (err error) {
	p.OnGround, err = r.ReadBool()
	return err
}

// Client command payloads
const (
	ClientCommandLogin   byte = 0
	ClientCommandRespawn byte = 1
)

// ClientCommand asks the server to log in or respawn.
type ClientCommand struct {
	Payload byte
}

func (p *ClientCommand) ID() byte    { return IDClientCommand }
func (p *ClientCommand) Async() bool { return false }

func (p *ClientCommand) Encode(w *Writer) error {
	return w.WriteByte(p.Payload).Err()
}

func (p *ClientCommand) Decode(r *Reader) (err error) {
	p.Payload, err = r.ReadByte()
	return err
}

// CustomPayload carries plugin channel data.
type CustomPayload struct {
	Channel string
	Data    []byte
}

func (p *CustomPayload) ID() byte    { return IDCustomPayload }
func (p *CustomPayload) Async() bool { return false }

func (p *CustomPayload) Encode(w *Writer) error {
	return w.WriteString(p.Channel, MaxChannelLength).WriteByteArray(p.Data).Err()
}

func (p *CustomPayload) Decode(r *Reader) error {
	var err error
	if p.Channel, err = r.ReadString(MaxChannelLength); err != nil {
		return err
	}
	p.Data, err = r.ReadByteArray()
	return err
}

// KeyResponse carries the RSA-encrypted shared secret and verify token from
// the client. The server answers with an empty KeyResponse, after which both
// directions are encrypted.
type KeyResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
}

func (p *KeyResponse) ID() byte    { return IDKeyResponse }
func (p *KeyResponse) Async() bool { return false }

func (p *KeyResponse) Encode(w *Writer) error {
	return w.WriteByteArray(p.SharedSecret).WriteByteArray(p.VerifyToken).Err()
}

func (p *KeyResponse) Decode(r *Reader) error {
	var err error
	if p.SharedSecret, err = r.ReadByteArray(); err != nil {
		return err
	}
	p.VerifyToken, err = r.ReadByteArray()
	return err
}

// KeyRequest starts the key exchange.
type KeyRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

func (p *KeyRequest) ID() byte    { return IDKeyRequest }
func (p *KeyRequest) Async() bool { return false }

func (p *KeyRequest) Encode(w *Writer) error {
	return w.WriteString(p.ServerID, MaxServerIDLength).
		WriteByteArray(p.PublicKey).
		WriteByteArray(p.VerifyToken).
		Err()
}

func (p *KeyRequest) Decode(r *Reader) error {
	var err error
	if p.ServerID, err = r.ReadString(MaxServerIDLength); err != nil {
		return err
	}
	if p.PublicKey, err = r.ReadByteArray(); err != nil {
		return err
	}
	p.VerifyToken, err = r.ReadByteArray()
	return err
}

// ServerListPing requests the server list status line.
type ServerListPing struct {
	Magic byte
}

func (p *ServerListPing) ID() byte    { return IDServerListPing }
func (p *ServerListPing) Async() bool { return false }

func (p *ServerListPing) Encode(w *Writer) error {
	return w.WriteByte(p.Magic).Err()
}

func (p *ServerListPing) Decode(r *Reader) (err error) {
	p.Magic, err = r.ReadByte()
	return err
}

// KickDisconnect closes the session with a reason.
type KickDisconnect struct {
	Reason string
}

// Kick returns a KickDisconnect with reason cut to the field limit.
func Kick(reason string) *KickDisconnect {
	return &KickDisconnect{Reason: TruncateString(reason, MaxReasonLength)}
}

func (p *KickDisconnect) ID() byte    { return IDKickDisconnect }
func (p *KickDisconnect) Async() bool { return false }

func (p *KickDisconnect) Encode(w *Writer) error {
	return w.WriteString(p.Reason, MaxReasonLength).Err()
}

func (p *KickDisconnect) Decode(r *Reader) (err error) {
	p.Reason, err = r.ReadString(MaxReasonLength)
	return err
}
