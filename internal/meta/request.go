package meta

import (
	"strconv"
	"time"
)

// Request represents a meta protocol request.
// Fields map directly to protocol elements.
type Request struct {
	// Command is the 2-character command code: mg, ms, md, ma, mn
	Command CmdType

	// Key is the cache key (1-250 bytes, no whitespace unless base64-encoded).
	// Empty for mn.
	Key string

	// Data is the value to store (ms only).
	// Size is derived from len(Data).
	Data []byte

	// Flags holds the serialized flags exactly as they appear on the wire,
	// including the leading spaces (e.g. " v f T60").
	Flags Flags
}

// Flags is a serialized representation of meta protocol flags.
// The zero value is ready to use.
type Flags []byte

func (f Flags) IsEmpty() bool {
	return len(f) == 0
}

func (f *Flags) Add(flagType FlagType) {
	*f = append(*f, ' ', byte(flagType))
}

func (f *Flags) AddTokenString(flagType FlagType, token string) {
	*f = append(*f, ' ', byte(flagType))
	*f = append(*f, token...)
}

func (f *Flags) AddInt64(flagType FlagType, value int64) {
	*f = append(*f, ' ', byte(flagType))
	*f = strconv.AppendInt(*f, value, 10)
}

func (f *Flags) AddUint64(flagType FlagType, value uint64) {
	*f = append(*f, ' ', byte(flagType))
	*f = strconv.AppendUint(*f, value, 10)
}

func (f Flags) Has(flagType FlagType) bool {
	_, ok := f.Get(flagType)
	return ok
}

// Get returns the token value for the first flag of the given type.
//
// ok is true if the flag is present.
// token is nil if the flag is present but has no token.
func (f Flags) Get(flagType FlagType) (token []byte, ok bool) {
	for i := 0; i < len(f); {
		for i < len(f) && f[i] == ' ' {
			i++
		}
		if i >= len(f) {
			return nil, false
		}

		t := FlagType(f[i])
		i++

		start := i
		for i < len(f) && f[i] != ' ' {
			i++
		}

		if t == flagType {
			if start == i {
				return nil, true
			}
			return f[start:i], true
		}
	}
	return nil, false
}

// NewRequest creates a new meta protocol request.
//
//	req := NewRequest(CmdGet, "mykey", nil).AddReturnValue().AddReturnClientFlags()
//	req = NewRequest(CmdSet, "mykey", []byte("value")).AddTTL(3600)
//	req = NewRequest(CmdNoOp, "", nil)
func NewRequest(cmd CmdType, key string, data []byte) *Request {
	return &Request{
		Command: cmd,
		Key:     key,
		Data:    data,
	}
}

func (r *Request) HasFlag(flagType FlagType) bool {
	return r.Flags.Has(flagType)
}

func (r *Request) AddOpaque(token string) *Request {
	r.Flags.AddTokenString(FlagOpaque, token)
	return r
}
func (r *Request) AddQuiet() *Request       { r.Flags.Add(FlagQuiet); return r }
func (r *Request) AddBase64Key() *Request   { r.Flags.Add(FlagBase64Key); return r }
func (r *Request) AddReturnValue() *Request { r.Flags.Add(FlagReturnValue); return r }
func (r *Request) AddReturnCAS() *Request   { r.Flags.Add(FlagReturnCAS); return r }

func (r *Request) AddReturnClientFlags() *Request {
	r.Flags.Add(FlagReturnClientFlags)
	return r
}

func (r *Request) AddTTL(seconds int64) *Request { r.Flags.AddInt64(FlagTTL, seconds); return r }
func (r *Request) AddTTLDuration(d time.Duration) *Request {
	return r.AddTTL(int64(d / time.Second))
}
func (r *Request) AddCAS(value uint64) *Request { r.Flags.AddUint64(FlagCAS, value); return r }
func (r *Request) AddClientFlags(flags uint32) *Request {
	r.Flags.AddUint64(FlagClientFlags, uint64(flags))
	return r
}
func (r *Request) AddMode(mode string) *Request { r.Flags.AddTokenString(FlagMode, mode); return r }
