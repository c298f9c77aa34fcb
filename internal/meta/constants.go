package meta

// CmdType represents a meta protocol command (2 characters).
type CmdType string

// FlagType represents a single-character flag identifier.
type FlagType byte

// StatusType represents a response status code (2 characters).
type StatusType string

// Protocol delimiters
const (
	CRLF  = "\r\n"
	Space = " "
)

// Command codes used by the backend session.
const (
	// CmdGet retrieves an item.
	//
	// Wire format: mg <key> <flags>*\r\n
	// Responses: VA <size> <flags>*\r\n<data>\r\n on hit with FlagReturnValue,
	// HD on hit without value, EN on miss.
	CmdGet CmdType = "mg"

	// CmdSet stores an item.
	//
	// Wire format: ms <key> <size> <flags>*\r\n<data>\r\n
	// Responses: HD stored, NS not stored, EX cas mismatch, NF not found.
	CmdSet CmdType = "ms"

	// CmdDelete removes an item.
	//
	// Wire format: md <key> <flags>*\r\n
	// Responses: HD deleted, NF not found.
	CmdDelete CmdType = "md"

	// CmdArithmetic increments or decrements a numeric item.
	CmdArithmetic CmdType = "ma"

	// CmdNoOp is answered with MN and is used as a liveness check and as a
	// pipeline terminator.
	CmdNoOp CmdType = "mn"
)

// Response status codes
const (
	StatusHD StatusType = "HD"
	StatusVA StatusType = "VA"
	StatusEN StatusType = "EN"
	StatusNF StatusType = "NF"
	StatusNS StatusType = "NS"
	StatusEX StatusType = "EX"
	StatusMN StatusType = "MN"
)

// Error response prefixes
const (
	ErrorGeneric      = "ERROR"
	ErrorClientPrefix = "CLIENT_ERROR"
	ErrorServerPrefix = "SERVER_ERROR"
)

// Flags
const (
	FlagBase64Key         FlagType = 'b'
	FlagReturnKey         FlagType = 'k'
	FlagOpaque            FlagType = 'O'
	FlagQuiet             FlagType = 'q'
	FlagReturnCAS         FlagType = 'c'
	FlagReturnClientFlags FlagType = 'f'
	FlagReturnSize        FlagType = 's'
	FlagReturnTTL         FlagType = 't'
	FlagReturnValue       FlagType = 'v'
	FlagCAS               FlagType = 'C'
	FlagTTL               FlagType = 'T'
	FlagClientFlags       FlagType = 'F'
	FlagMode              FlagType = 'M'
	FlagInvalidate        FlagType = 'I'
	FlagDelta             FlagType = 'D'
	FlagInitialValue      FlagType = 'J'
)

// Storage modes (used with FlagMode in ms command)
const (
	ModeSet     = "S"
	ModeAdd     = "E"
	ModeReplace = "R"
	ModeAppend  = "A"
	ModePrepend = "P"
)

// Key limits
const (
	MinKeyLength = 1
	MaxKeyLength = 250

	// MaxValueSize bounds the data block accepted from a server.
	MaxValueSize = 128 << 20
)
