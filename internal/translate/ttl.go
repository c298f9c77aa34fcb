package translate

import (
	"time"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	// MinTTLSeconds and MaxTTLSeconds bound every TTL sent to the backend.
	MinTTLSeconds = 1
	MaxTTLSeconds = 4_294_967

	// Memcache exptimes above this many seconds are unix timestamps.
	relativeExptimeLimit = 60 * 60 * 24 * 30
)

// backendTTL converts the client expiry of req into the TTL sent to the
// backend.
func (t *Translator) backendTTL(req *wire.Request) (time.Duration, *wire.Error) {
	var seconds int64

	switch req.TTLUnit {
	case wire.TTLDefault:
		return t.cfg.DefaultTTL, nil
	case wire.TTLExptime:
		if req.Exptime == 0 {
			return t.cfg.DefaultTTL, nil
		}
		seconds = req.Exptime
		if seconds > relativeExptimeLimit {
			seconds -= t.cfg.Now().Unix()
		}
	case wire.TTLSeconds:
		seconds = req.Exptime
	case wire.TTLMilliseconds:
		seconds = req.Exptime / 1000
		if req.Exptime%1000 > 0 {
			seconds++
		}
	}

	if seconds < MinTTLSeconds || seconds > MaxTTLSeconds {
		if req.TTLUnit == wire.TTLExptime {
			return 0, wire.NewError(wire.CodeInvalidArguments, "invalid exptime argument")
		}
		return 0, wire.NewError(wire.CodeInvalidArguments, "invalid expire time in '%s' command", commandName(req))
	}
	return time.Duration(seconds) * time.Second, nil
}

func commandName(req *wire.Request) string {
	if req.Name != "" {
		return req.Name
	}
	return req.Command.String()
}
