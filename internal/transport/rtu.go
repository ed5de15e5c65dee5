// internal/transport/rtu.go
package transport

import (
	"fmt"
	"time"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// rtuMaxADU is the largest RTU frame: slave + fc + count + 250 data + crc.
const rtuMaxADU = 256

// chunkReader reads whatever bytes arrive before deadline.
// It returns 0, nil when nothing arrived in time.
type chunkReader interface {
	readChunk(p []byte, deadline time.Time) (int, error)
}

// readRTUFrame reads exactly one RTU response. RTU has no length header,
// so the frame length is derived from the function code and byte count.
// Nothing before the deadline is a timeout; some bytes are a frame error.
func readRTUFrame(r chunkReader, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, rtuMaxADU)
	chunk := make([]byte, rtuMaxADU)

	for {
		want, err := codec.RTUResponseLength(buf)
		if err != nil {
			return nil, err
		}
		if want > rtuMaxADU {
			return nil, fmt.Errorf("%w: rtu frame length %d", domain.ErrFrame, want)
		}
		if want > 0 && len(buf) >= want {
			// trailing bytes belong to nobody; the next exchange flushes them
			return buf[:want], nil
		}

		if !time.Now().Before(deadline) {
			if len(buf) == 0 {
				return nil, fmt.Errorf("%w: no response", domain.ErrTimeout)
			}
			return nil, fmt.Errorf("%w: partial response % X", domain.ErrFrame, buf)
		}

		n, err := r.readChunk(chunk, deadline)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:n]...)
	}
}

// silentInterval is the 3.5 character gap that delimits RTU frames.
func silentInterval(baud int) time.Duration {
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return time.Duration(35*11) * time.Second / time.Duration(10*baud)
}
