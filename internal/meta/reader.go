package meta

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

var (
	crlfBytes         = []byte(CRLF)
	errorGenericBytes = []byte(ErrorGeneric)
	clientErrorPrefix = []byte(ErrorClientPrefix + " ")
	serverErrorPrefix = []byte(ErrorServerPrefix + " ")
)

// ReadResponse reads and parses a single response from r.
// Response format: <status> [<size>] [<flags>*]\r\n[<data>\r\n]
//
// Protocol errors (CLIENT_ERROR, SERVER_ERROR, ERROR) from the server are
// returned in Response.Error, not as a Go error. Go errors are I/O failures
// or a *ParseError; in both cases the connection must be closed.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		line, err = r.ReadBytes('\n')
	}
	if err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	line = bytes.TrimSuffix(line, crlfBytes)

	if bytes.HasPrefix(line, clientErrorPrefix) {
		return &Response{Error: &ClientError{Message: string(line[len(clientErrorPrefix):])}}, nil
	}
	if bytes.HasPrefix(line, serverErrorPrefix) {
		return &Response{Error: &ServerError{Message: string(line[len(serverErrorPrefix):])}}, nil
	}
	if bytes.Equal(line, errorGenericBytes) {
		return &Response{Error: &GenericError{Message: ErrorGeneric}}, nil
	}

	if len(line) < 2 {
		return nil, &ParseError{Message: "empty response line"}
	}

	statusEnd := bytes.IndexByte(line, ' ')
	if statusEnd == -1 {
		statusEnd = len(line)
	}

	resp := &Response{
		Status: StatusType(line[:statusEnd]),
	}

	if resp.Status == StatusMN {
		return resp, nil
	}

	rest := line[statusEnd:]

	var dataSize int
	if resp.Status == StatusVA {
		rest = bytes.TrimLeft(rest, " ")
		sizeEnd := bytes.IndexByte(rest, ' ')
		if sizeEnd == -1 {
			sizeEnd = len(rest)
		}
		if sizeEnd == 0 {
			return nil, &ParseError{Message: "VA response missing size"}
		}

		dataSize, err = strconv.Atoi(string(rest[:sizeEnd]))
		if err != nil {
			return nil, &ParseError{Message: "invalid size in VA response", Err: err}
		}
		if dataSize < 0 {
			return nil, &ParseError{Message: "negative size in VA response"}
		}
		if dataSize > MaxValueSize {
			return nil, &ParseError{Message: "VA size exceeds limit"}
		}
		rest = rest[sizeEnd:]
	}

	if len(bytes.TrimSpace(rest)) > 0 {
		// rest aliases the reader buffer and must be copied.
		resp.Flags = append(Flags(nil), rest...)
	}

	if resp.Status == StatusVA {
		data := make([]byte, dataSize+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, &ParseError{Message: "failed to read data block", Err: err}
		}
		if !bytes.HasSuffix(data, crlfBytes) {
			return nil, &ParseError{Message: "invalid data block terminator"}
		}
		resp.Data = data[:dataSize]
	}

	return resp, nil
}
