package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	PayloadType    = "EVENT_TICKET"
	CurrentVersion = 2

	legacyPrefix = "TICKET:"
)

// DecodeKind tags the result of decoding a scanned code.
type DecodeKind int

const (
	Invalid DecodeKind = iota
	Valid
	// LegacyValid is a colon-delimited code from the old app. It carries no
	// signature, so anyone who knows a ticket id can forge one.
	LegacyValid
)

func (k DecodeKind) String() string {
	switch k {
	case Valid:
		return "valid"
	case LegacyValid:
		return "legacy_valid"
	}
	return "invalid"
}

type DecodeResult struct {
	Kind         DecodeKind
	TicketID     string
	EventID      string
	UserID       string
	TicketNumber string
	Version      int
	IssuedAt     time.Time
	// Reason explains an Invalid result. Never shown verbatim to guests.
	Reason string
}

// IsTrusted is true only for codes whose signature was checked.
func (r DecodeResult) IsTrusted() bool { return r.Kind == Valid }

func (r DecodeResult) OK() bool { return r.Kind == Valid || r.Kind == LegacyValid }

func invalid(reason string) DecodeResult {
	return DecodeResult{Kind: Invalid, Reason: reason}
}

// payload is the JSON wire format embedded in the QR code.
type payload struct {
	Type         string `json:"type"`
	TicketID     string `json:"ticketId"`
	EventID      string `json:"eventId"`
	UserID       string `json:"userId"`
	TicketNumber string `json:"ticketNumber"`
	Timestamp    int64  `json:"timestamp"`
	Version      int    `json:"version"`
	Hash         string `json:"hash"`
}

// Codec signs and verifies ticket codes.
//
// The signing key is derived from a single secret supplied at construction.
// Rotating that secret invalidates every issued code that has not been
// scanned yet; tickets must be re-issued after a rotation.
type Codec struct {
	secret       []byte
	version      int
	acceptLegacy bool
	now          func() time.Time
	keys         map[int][]byte
}

type CodecOption func(*Codec)

func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// WithVersion selects the payload version used by Encode. Verify accepts
// every version from 1 up to it.
func WithVersion(v int) CodecOption {
	return func(c *Codec) {
		if v > 0 {
			c.version = v
		}
	}
}

// WithLegacyFormat controls whether unsigned legacy codes decode as
// LegacyValid or Invalid.
func WithLegacyFormat(accept bool) CodecOption {
	return func(c *Codec) { c.acceptLegacy = accept }
}

func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("codec: empty signing secret")
	}

	c := &Codec{
		secret:  append([]byte(nil), secret...),
		version: CurrentVersion,
		now:     time.Now,
		keys:    make(map[int][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}

	for v := 1; v <= c.version; v++ {
		key, err := deriveKey(c.secret, v)
		if err != nil {
			return nil, err
		}
		c.keys[v] = key
	}

	return c, nil
}

func deriveKey(secret []byte, version int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(fmt.Sprintf("event-ticket/v%d", version)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("codec: derive key: %w", err)
	}
	return key, nil
}

// sign computes the payload hash. Version 1 codes sign only the bare
// concatenation of the three ids; from version 2 every field except the
// type is signed, each prefixed with its length.
func (c *Codec) sign(key []byte, p *payload) string {
	mac := hmac.New(sha256.New, key)
	if p.Version < 2 {
		mac.Write([]byte(p.TicketID + p.EventID + p.UserID))
		return hex.EncodeToString(mac.Sum(nil))
	}

	var size [4]byte
	for _, field := range []string{p.TicketID, p.EventID, p.UserID, p.TicketNumber, strconv.FormatInt(p.Timestamp, 10)} {
		binary.BigEndian.PutUint32(size[:], uint32(len(field)))
		mac.Write(size[:])
		mac.Write([]byte(field))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode builds the signed payload for a ticket.
func (c *Codec) Encode(ticketID, eventID, userID, ticketNumber string) (string, error) {
	if ticketID == "" || eventID == "" || userID == "" {
		return "", errors.New("codec: ticket, event and user ids are required")
	}

	p := payload{
		Type:         PayloadType,
		TicketID:     ticketID,
		EventID:      eventID,
		UserID:       userID,
		TicketNumber: ticketNumber,
		Timestamp:    c.now().UnixMilli(),
		Version:      c.version,
	}
	p.Hash = c.sign(c.keys[c.version], &p)

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("codec: marshal payload: %w", err)
	}
	return string(data), nil
}

// Verify decodes a scanned code: the signed JSON format first, then the
// legacy colon format.
func (c *Codec) Verify(raw string) DecodeResult {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return invalid("empty code")
	case strings.HasPrefix(raw, "{"):
		return c.verifySigned(raw)
	case strings.HasPrefix(raw, legacyPrefix):
		if !c.acceptLegacy {
			return invalid("legacy codes are disabled")
		}
		return parseLegacy(raw)
	}
	return invalid("unrecognized format")
}

func (c *Codec) verifySigned(raw string) DecodeResult {
	var p payload
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return invalid("malformed payload")
	}
	if dec.More() {
		return invalid("trailing data")
	}

	if p.Type != PayloadType {
		return invalid("unexpected payload type")
	}
	if p.TicketID == "" || p.EventID == "" || p.UserID == "" || p.Hash == "" {
		return invalid("missing fields")
	}

	key, ok := c.keys[p.Version]
	if !ok {
		return invalid("unsupported version")
	}

	expected := c.sign(key, &p)
	if !hmac.Equal([]byte(p.Hash), []byte(expected)) {
		return invalid("signature mismatch")
	}

	return DecodeResult{
		Kind:         Valid,
		TicketID:     p.TicketID,
		EventID:      p.EventID,
		UserID:       p.UserID,
		TicketNumber: p.TicketNumber,
		Version:      p.Version,
		IssuedAt:     time.UnixMilli(p.Timestamp),
	}
}

// parseLegacy reads TICKET:<id>:EVENT:<id>:USER:<id>:NUMBER:<n>.
func parseLegacy(raw string) DecodeResult {
	parts := strings.Split(raw, ":")
	if len(parts) != 8 {
		return invalid("malformed legacy code")
	}
	if parts[0] != "TICKET" || parts[2] != "EVENT" || parts[4] != "USER" || parts[6] != "NUMBER" {
		return invalid("malformed legacy code")
	}
	for _, i := range []int{1, 3, 5, 7} {
		if parts[i] == "" {
			return invalid("malformed legacy code")
		}
	}

	return DecodeResult{
		Kind:         LegacyValid,
		TicketID:     parts[1],
		EventID:      parts[3],
		UserID:       parts[5],
		TicketNumber: parts[7],
	}
}

// LegacyCode renders the old unsigned format. Only used to exercise
// backward compatibility.
func LegacyCode(ticketID, eventID, userID, ticketNumber string) string {
	return fmt.Sprintf("TICKET:%s:EVENT:%s:USER:%s:NUMBER:%s", ticketID, eventID, userID, ticketNumber)
}
