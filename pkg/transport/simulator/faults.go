package simulator

import (
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

// IgnoreVersionRequests makes the scooter stay silent for the next n version
// requests.
func (s *Scooter) IgnoreVersionRequests(n int) {
	s.mu.Lock()
	s.ignoreVersion = n
	s.mu.Unlock()
}

// FailNextSends makes the next n SendFrame calls fail with ErrLinkFailure.
func (s *Scooter) FailNextSends(n int) {
	s.mu.Lock()
	s.failSends = n
	s.mu.Unlock()
}

// DropAcks swallows the next n acknowledgements for cmd.
func (s *Scooter) DropAcks(cmd protocol.Command, n int) {
	s.mu.Lock()
	s.dropAcks[cmd] = n
	s.mu.Unlock()
}

// Nack answers every cmd with status.
func (s *Scooter) Nack(cmd protocol.Command, status protocol.Status) {
	s.mu.Lock()
	s.nacks[cmd] = status
	s.mu.Unlock()
}

// Stall never acknowledges cmd.
func (s *Scooter) Stall(cmd protocol.Command) {
	s.mu.Lock()
	s.stall[cmd] = true
	s.mu.Unlock()
}

// ClearFaults removes every injected fault.
func (s *Scooter) ClearFaults() {
	s.mu.Lock()
	s.ignoreVersion = 0
	s.failSends = 0
	s.dropAcks = make(map[protocol.Command]int)
	s.nacks = make(map[protocol.Command]protocol.Status)
	s.stall = make(map[protocol.Command]bool)
	s.mu.Unlock()
}

// Image returns a copy of the firmware bytes written so far.
func (s *Scooter) Image() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.image...)
}

// Applied reports whether the last upload was validated and accepted.
func (s *Scooter) Applied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Received lists the commands of every valid host frame in arrival order.
func (s *Scooter) Received() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.received...)
}

// Count returns how many frames with cmd the host sent.
func (s *Scooter) Count(cmd protocol.Command) int {
	n := 0
	for _, c := range s.Received() {
		if c == cmd {
			n++
		}
	}
	return n
}

func (s *Scooter) resetUploadLocked() {
	s.announcedSize = 0
	s.announcedCRC = 0
	s.erased = false
	s.nextSeq = 0
	s.image = nil
	s.applied = false
}
