/*
Copyright (c) The gnssgm authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gnss

import (
	"bufio"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ErrReadTimeout is returned by ReadLine when no complete sentence arrived
// within the configured timeout
var ErrReadTimeout = fmt.Errorf("serial read timed out")

// Receiver reads NMEA sentences from a serial GNSS receiver
type Receiver struct {
	device string
	port   serial.Port
	rd     *bufio.Reader
}

// timeoutReader turns the port's zero-byte timeout reads into an error so the
// buffered reader does not spin on an idle port
type timeoutReader struct {
	port serial.Port
}

func (t timeoutReader) Read(b []byte) (int, error) {
	n, err := t.port.Read(b)
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	return n, err
}

// OpenReceiver opens the serial device with the given baud rate and bounded
// read timeout. A receiver that stops talking surfaces as ErrReadTimeout on
// ReadLine, never as an indefinite block.
func OpenReceiver(device string, baudRate int, timeout time.Duration) (*Receiver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", device, err)
	}
	return &Receiver{
		device: device,
		port:   port,
		rd:     bufio.NewReader(timeoutReader{port: port}),
	}, nil
}

// ReadLine returns the next full line from the receiver. Returns
// ErrReadTimeout when no complete sentence arrived before the timeout; a
// partial sentence interrupted by a timeout is discarded.
func (r *Receiver) ReadLine() (string, error) {
	line, err := r.rd.ReadString('\n')
	if err != nil {
		if err == ErrReadTimeout {
			return "", ErrReadTimeout
		}
		return "", fmt.Errorf("reading from %s: %w", r.device, err)
	}
	return line, nil
}

// Close closes the serial port
func (r *Receiver) Close() error {
	return r.port.Close()
}
