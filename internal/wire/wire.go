// Package wire defines the request and response model shared by every client
// dialect, and the Codec contract each dialect implements.
//
// Codecs decode raw bytes into *Request values and encode *Response values
// back. The translator only ever sees these types, never dialect frames.
package wire

import (
	"bufio"
	"fmt"
	"math"
)

// MaxKeyLength is the longest key accepted from clients.
const MaxKeyLength = 250

// Command identifies the operation carried by a Request.
type Command uint8

const (
	// CmdInvalid is a request the codec could parse far enough to skip but not
	// to execute. Request.Invalid holds the error to send back.
	CmdInvalid Command = iota
	// CmdUnknown is a syntactically valid request with an unrecognised verb.
	CmdUnknown

	CmdGet
	CmdGets
	CmdGetAndTouch
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCAS
	CmdDelete
	CmdIncr
	CmdDecr
	CmdTouch
	CmdExists
	CmdFlush
	CmdNoop
	CmdQuit
	CmdStats
	CmdVersion
	CmdVerbosity
	CmdPing
	CmdEcho
	CmdCommandDocs
	CmdSelect

	// Collection verbs, RESP only.
	CmdHashSet
	CmdHashGet
	CmdHashMultiGet
	CmdHashExists
	CmdHashGetAll
	CmdHashKeys
	CmdHashValues
	CmdHashLength
	CmdHashDelete
	CmdHashIncrBy
	CmdListPush
	CmdListPop
	CmdListRange
	CmdListIndex
	CmdListLength
	CmdSetAdd
	CmdSetRemove
	CmdSetMembers
	CmdSetIsMember
	CmdSetCardinality
	CmdSetIntersect
	CmdSetUnion
	CmdSetDiff
	CmdSortedSetAdd
	CmdSortedSetIncrBy
	CmdSortedSetRemove
	CmdSortedSetScore
	CmdSortedSetMultiScore
	CmdSortedSetRank
	CmdSortedSetRange
	CmdSortedSetCount
	CmdSortedSetCardinality
	CmdSortedSetUnionStore
)

var commandNames = [...]string{
	CmdInvalid:     "invalid",
	CmdUnknown:     "unknown",
	CmdGet:         "get",
	CmdGets:        "gets",
	CmdGetAndTouch: "gat",
	CmdSet:         "set",
	CmdAdd:         "add",
	CmdReplace:     "replace",
	CmdAppend:      "append",
	CmdPrepend:     "prepend",
	CmdCAS:         "cas",
	CmdDelete:      "delete",
	CmdIncr:        "incr",
	CmdDecr:        "decr",
	CmdTouch:       "touch",
	CmdExists:      "exists",
	CmdFlush:       "flush",
	CmdNoop:        "noop",
	CmdQuit:        "quit",
	CmdStats:       "stats",
	CmdVersion:     "version",
	CmdVerbosity:   "verbosity",
	CmdPing:        "ping",
	CmdEcho:        "echo",
	CmdCommandDocs: "command",
	CmdSelect:      "select",

	CmdHashSet:              "hset",
	CmdHashGet:              "hget",
	CmdHashMultiGet:         "hmget",
	CmdHashExists:           "hexists",
	CmdHashGetAll:           "hgetall",
	CmdHashKeys:             "hkeys",
	CmdHashValues:           "hvals",
	CmdHashLength:           "hlen",
	CmdHashDelete:           "hdel",
	CmdHashIncrBy:           "hincrby",
	CmdListPush:             "push",
	CmdListPop:              "pop",
	CmdListRange:            "lrange",
	CmdListIndex:            "lindex",
	CmdListLength:           "llen",
	CmdSetAdd:               "sadd",
	CmdSetRemove:            "srem",
	CmdSetMembers:           "smembers",
	CmdSetIsMember:          "sismember",
	CmdSetCardinality:       "scard",
	CmdSetIntersect:         "sinter",
	CmdSetUnion:             "sunion",
	CmdSetDiff:              "sdiff",
	CmdSortedSetAdd:         "zadd",
	CmdSortedSetIncrBy:      "zincrby",
	CmdSortedSetRemove:      "zrem",
	CmdSortedSetScore:       "zscore",
	CmdSortedSetMultiScore:  "zmscore",
	CmdSortedSetRank:        "zrank",
	CmdSortedSetRange:       "zrange",
	CmdSortedSetCount:       "zcount",
	CmdSortedSetCardinality: "zcard",
	CmdSortedSetUnionStore:  "zunionstore",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// IsCollection reports whether c operates on a hash, list, set or sorted set.
func (c Command) IsCollection() bool {
	return c >= CmdHashSet && c <= CmdSortedSetUnionStore
}

// Precondition restricts a store operation on the current existence of the key.
type Precondition uint8

const (
	PreconditionNone Precondition = iota
	PreconditionMustNotExist
	PreconditionMustExist
)

// TTLUnit tells how Request.Exptime must be interpreted.
type TTLUnit uint8

const (
	// TTLDefault means the client gave no expiry; the route default applies.
	TTLDefault TTLUnit = iota
	// TTLExptime follows memcache rules: 0 is "no expiry", values above 30
	// days are absolute unix timestamps, anything else is relative seconds.
	TTLExptime
	TTLSeconds
	TTLMilliseconds
)

// ScoreBound is one end of a sorted set score range.
type ScoreBound struct {
	Score     float64
	Exclusive bool
}

// Unbounded score range ends.
var (
	MinScore = ScoreBound{Score: math.Inf(-1)}
	MaxScore = ScoreBound{Score: math.Inf(1)}
)

// Below reports whether score is at or under the bound, when b is an upper bound.
func (b ScoreBound) Below(score float64) bool {
	if b.Exclusive {
		return score < b.Score
	}
	return score <= b.Score
}

// Above reports whether score is at or over the bound, when b is a lower bound.
func (b ScoreBound) Above(score float64) bool {
	if b.Exclusive {
		return score > b.Score
	}
	return score >= b.Score
}

// Aggregate combines the scores of a member found in several sorted sets.
type Aggregate uint8

const (
	AggregateSum Aggregate = iota
	AggregateMin
	AggregateMax
)

// Request is a decoded client operation.
type Request struct {
	Command Command

	// Keys holds every key of multi-key verbs (get, gets, gat, MGET, DEL,
	// EXISTS). Single-key verbs use Key.
	Keys [][]byte
	Key  []byte

	Value []byte
	Flags uint32

	Exptime int64
	TTLUnit TTLUnit

	Precondition Precondition
	CAS          uint64

	// Delta is the magnitude of incr/decr. Signed selects RESP counter rules
	// (int64 with overflow errors) over memcache rules (uint64, decr floors at 0).
	Delta  uint64
	Signed bool

	// Initial and AutoCreate implement binary incr/decr on a missing key.
	Initial    uint64
	AutoCreate bool

	// NoReply suppresses every response (memcache noreply).
	NoReply bool

	// ReturnCAS asks for CAS tokens in value responses (gets, gats).
	ReturnCAS bool

	// Collection arguments. Members holds hash fields, list elements and set
	// or sorted set members. MemberValues pairs hash values with Members and
	// Scores pairs sorted set scores with Members. Keys holds the source keys
	// of multi-key set verbs and of sorted set unions, whose destination is Key.
	Members      [][]byte
	MemberValues [][]byte
	Scores       []float64

	// IncrBy is the hincrby delta; IncrByScore the zincrby one.
	IncrBy      int64
	IncrByScore float64

	// Start and Stop are list or rank indexes; negative values count from
	// the end. Count is the element count of list pops when HasCount is set.
	Start, Stop int64
	Count       int64
	HasCount    bool

	// Front selects the head of a list for push and pop.
	Front bool

	// Sorted set range options. Offset and Limit apply to score ranges only;
	// a negative Limit means no limit.
	ByScore    bool
	Rev        bool
	WithScores bool
	Min, Max   ScoreBound
	Offset     int64
	Limit      int64

	// Sorted set add options.
	OnlyNew, OnlyExisting, Changed bool

	Weights   []float64
	Aggregate Aggregate

	// Dialect details that only matter when encoding the response.
	Name   string
	Opcode uint8
	Opaque uint32
	Quiet  bool

	// Invalid is set on CmdInvalid requests.
	Invalid *Error
}

// AllKeys returns the keys of the request whether it is single or multi-key.
func (r *Request) AllKeys() [][]byte {
	if len(r.Keys) > 0 {
		return r.Keys
	}
	if r.Key != nil {
		return [][]byte{r.Key}
	}
	return nil
}

// Kind identifies the variant held by a Response.
type Kind uint8

const (
	KindError Kind = iota
	KindValues
	KindStored
	KindNotStored
	KindExists
	KindNotFound
	KindTouched
	KindNumber
	KindInteger
	KindOK
	KindPong
	KindText
	KindStats
	KindVersion
	KindNil
	KindClose

	// KindBulk is a single value that may be missing: Values[0].
	KindBulk
	// KindNilArray is the absent list of a pop on a missing key.
	KindNilArray
)

// Value is one key of a value response. Found is false for misses, which
// dialects either skip (memcache) or encode as null (RESP).
type Value struct {
	Key   []byte
	Data  []byte
	Flags uint32
	CAS   uint64
	Found bool
}

// Stat is one name/value line of a stats response.
type Stat struct {
	Name  string
	Value string
}

// Response is the outcome of a Request.
type Response struct {
	Kind    Kind
	Values  []Value
	Number  uint64
	Integer int64
	Text    string
	Stats   []Stat
	Err     *Error
}

// Code classifies an error response. Each dialect maps codes onto its own
// sentinels.
type Code uint8

const (
	CodeClient Code = iota + 1
	CodeInvalidArguments
	CodeTooLarge
	CodeNonNumeric
	CodeUnknownCommand
	CodeUnsupported
	CodeServer
	CodeTimeout
	CodeOutOfMemory
	CodeBusy
	CodeNamespaceNotFound
	CodeUnauthenticated
	CodeWrongType
)

// Error is an error response.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// IsClient reports whether the error was caused by the request itself.
func (e *Error) IsClient() bool {
	switch e.Code {
	case CodeClient, CodeInvalidArguments, CodeNonNumeric, CodeUnknownCommand, CodeWrongType:
		return true
	}
	return false
}

func NewError(code Code, format string, args ...any) *Error {
	if len(args) == 0 {
		return &Error{Code: code, Message: format}
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an error Response.
func Errorf(code Code, format string, args ...any) *Response {
	return &Response{Kind: KindError, Err: NewError(code, format, args...)}
}

// Invalid builds a CmdInvalid request carrying err.
func Invalid(code Code, format string, args ...any) *Request {
	return &Request{Command: CmdInvalid, Invalid: NewError(code, format, args...)}
}

var (
	respStored    = &Response{Kind: KindStored}
	respNotStored = &Response{Kind: KindNotStored}
	respExists    = &Response{Kind: KindExists}
	respNotFound  = &Response{Kind: KindNotFound}
	respTouched   = &Response{Kind: KindTouched}
	respOK        = &Response{Kind: KindOK}
	respPong      = &Response{Kind: KindPong}
	respNil       = &Response{Kind: KindNil}
	respNilArray  = &Response{Kind: KindNilArray}
	respClose     = &Response{Kind: KindClose}
)

// Shared immutable responses. Callers must not modify them.
func Stored() *Response    { return respStored }
func NotStored() *Response { return respNotStored }
func Exists() *Response    { return respExists }
func NotFound() *Response  { return respNotFound }
func Touched() *Response   { return respTouched }
func OK() *Response        { return respOK }
func Pong() *Response      { return respPong }
func Nil() *Response       { return respNil }
func NilArray() *Response  { return respNilArray }
func Close() *Response     { return respClose }

func Integer(n int64) *Response  { return &Response{Kind: KindInteger, Integer: n} }
func Number(n uint64) *Response  { return &Response{Kind: KindNumber, Number: n} }
func Text(s string) *Response    { return &Response{Kind: KindText, Text: s} }
func Version(v string) *Response { return &Response{Kind: KindVersion, Text: v} }

// Bulk is a single value response; a nil data is a miss.
func Bulk(data []byte) *Response {
	return &Response{Kind: KindBulk, Values: []Value{{Data: data, Found: data != nil}}}
}

// List is an array response of present values.
func List(items [][]byte) *Response {
	values := make([]Value, len(items))
	for i, item := range items {
		values[i] = Value{Data: item, Found: true}
	}
	return &Response{Kind: KindValues, Values: values}
}

// FramingError reports a stream that can no longer be parsed. The session
// closes the connection when a codec returns one.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// Codec decodes and encodes one client dialect. A Codec may keep per
// connection state and must not be shared between connections.
type Codec interface {
	Name() string

	// Decode parses the first request in buf. It returns n == 0 and a nil
	// error when buf does not hold a complete request yet. A non-nil error is
	// a *FramingError. Recoverable problems come back as CmdInvalid requests
	// that consume the offending bytes. The request owns its byte slices and
	// never aliases buf, which the caller reuses.
	Decode(buf []byte) (req *Request, n int, err error)

	// Encode writes the response to req. Nothing is written for suppressed
	// responses (noreply, quiet variants).
	Encode(w *bufio.Writer, req *Request, resp *Response) error
}
