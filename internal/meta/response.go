package meta

// Response represents a parsed meta protocol response.
type Response struct {
	// Status is the 2-character response code: HD, VA, EN, NF, NS, EX, MN
	Status StatusType

	// Data is the value (VA responses only).
	Data []byte

	// Flags contains all flags returned in the response, in wire order.
	Flags Flags

	// Error is set for non-meta error responses: ERROR, CLIENT_ERROR, SERVER_ERROR.
	Error error
}

// IsSuccess reports HD, VA and MN statuses.
func (r *Response) IsSuccess() bool {
	switch r.Status {
	case StatusHD, StatusVA, StatusMN:
		return true
	default:
		return false
	}
}

// IsMiss reports EN and NF statuses.
func (r *Response) IsMiss() bool {
	return r.Status == StatusEN || r.Status == StatusNF
}

func (r *Response) IsNotStored() bool {
	return r.Status == StatusNS
}

func (r *Response) HasValue() bool {
	return r.Status == StatusVA && r.Data != nil
}

func (r *Response) HasError() bool {
	return r.Error != nil
}

func (r *Response) GetFlagToken(flagType FlagType) (token []byte, ok bool) {
	return r.Flags.Get(flagType)
}
