package lib

import "log"

// receiverLoop is the Receiver Loop of spec.md §4, §2 (C7): it owns the
// blocking read on the packet I/O and feeds every arriving datagram
// through Dispatch, the same single-goroutine-owns-the-socket shape as
// the teacher's handleIncomingPackets in pconn.go. A second responsibility
// folded into the same loop, woken by rdataWake rather than a read, is
// draining the TXW's retransmit queue so RDATA goes out promptly after a
// NAK without a dedicated sender goroutine racing this one for the send
// mutexes.
func (t *Transport) receiverLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.rdataWake.C():
			if t.txw != nil {
				t.drainRetransmits()
			}
			continue
		default:
		}

		n, src, dst, err := t.io.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			log.Printf("pgm: receive failed: %v", err)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := t.Dispatch(pkt, src, dst); err != nil {
			log.Printf("pgm: dispatch error from %v: %v", src, err)
		}
	}
}
