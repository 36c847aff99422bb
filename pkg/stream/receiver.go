package stream

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/interledger/connector-go/pkg/ilp"
)

const receiveMaxDefault = uint64(1) << 62

// Server terminates STREAM connections. Credentials are derived statelessly
// from the seed, so a receiver can fulfill the first packet of a connection
// it has never seen.
type Server struct {
	seed       []byte
	address    ilp.Address
	assetCode  string
	assetScale uint8
	log        *zap.Logger

	mu    sync.Mutex
	conns map[string]*connState
}

type connState struct {
	secret        []byte
	lastSequence  uint64
	totalReceived uint64
	closed        bool
}

// NewServer builds a receiver rooted at the given address, normally the
// node address plus an account segment.
func NewServer(seed []byte, address ilp.Address, assetCode string, assetScale uint8, log *zap.Logger) *Server {
	return &Server{
		seed:       seed,
		address:    address,
		assetCode:  assetCode,
		assetScale: assetScale,
		log:        log.Named("stream-server"),
		conns:      make(map[string]*connState),
	}
}

// Credentials mints a destination address and shared secret for one
// connection; this pair is what SPSP publishes.
func (s *Server) Credentials() (ilp.Address, []byte) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return s.address.Child(token), DeriveSharedSecret(s.seed, token)
}

// HandlePrepare terminates one STREAM packet. A Fulfill is returned iff the
// packet decrypts, its sequence advances, the delivered amount meets the
// sender's declared minimum, and the Prepare's condition matches the
// derived preimage.
func (s *Server) HandlePrepare(prepare *ilp.Prepare) ilp.Reply {
	token, ok := s.connectionToken(prepare.Destination)
	if !ok {
		return ilp.NewReject(ilp.CodeF02Unreachable, "unknown destination", s.address)
	}
	st := s.connection(token)

	pkt, err := OpenPacket(st.secret, prepare.Data)
	if err != nil {
		// Not ours, or corrupted in transit. Without the cleartext we can
		// produce no meaningful STREAM response.
		return ilp.NewReject(ilp.CodeF06Unexpected, "unable to decrypt packet", s.address)
	}
	if pkt.IlpPacketType != ilp.TypePrepare {
		return s.reject(st, pkt, prepare, ilp.CodeF99ApplicationError, "unexpected packet type")
	}

	s.mu.Lock()
	if st.closed {
		s.mu.Unlock()
		return s.reject(st, pkt, prepare, ilp.CodeF99ApplicationError, "connection closed")
	}
	if pkt.Sequence <= st.lastSequence && !(st.lastSequence == 0 && st.totalReceived == 0) {
		s.mu.Unlock()
		return s.reject(st, pkt, prepare, ilp.CodeF99ApplicationError, "sequence not monotonic")
	}
	s.mu.Unlock()

	fulfillment := Fulfillment(st.secret, prepare.Data)
	if ilp.Condition(fulfillment) != prepare.ExecutionCondition {
		return s.reject(st, pkt, prepare, ilp.CodeF05WrongCondition, "condition mismatch")
	}
	if prepare.Amount < pkt.PrepareAmount {
		return s.reject(st, pkt, prepare, ilp.CodeF99ApplicationError, "amount below sender minimum")
	}

	s.mu.Lock()
	st.lastSequence = pkt.Sequence
	st.totalReceived += prepare.Amount
	total := st.totalReceived
	for _, f := range pkt.Frames {
		if _, ok := f.(*ConnectionCloseFrame); ok {
			st.closed = true
		}
	}
	s.mu.Unlock()

	frames := []Frame{
		&ConnectionAssetDetailsFrame{AssetCode: s.assetCode, AssetScale: s.assetScale},
	}
	for _, f := range pkt.Frames {
		if money, ok := f.(*StreamMoneyFrame); ok {
			frames = append(frames, &StreamMaxMoneyFrame{
				StreamID:      money.StreamID,
				ReceiveMax:    receiveMaxDefault,
				TotalReceived: total,
			})
		}
	}

	response := &Packet{
		Sequence:      pkt.Sequence,
		IlpPacketType: ilp.TypeFulfill,
		PrepareAmount: prepare.Amount,
		Frames:        frames,
	}
	sealed, err := response.Seal(st.secret)
	if err != nil {
		s.log.Error("sealing response", zap.Error(err))
		sealed = nil
	}
	return &ilp.Fulfill{Fulfillment: fulfillment, Data: sealed}
}

// TotalReceived reports the amount delivered on a connection, keyed by the
// destination address handed out in Credentials.
func (s *Server) TotalReceived(destination ilp.Address) uint64 {
	token, ok := s.connectionToken(destination)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.conns[token]; ok {
		return st.totalReceived
	}
	return 0
}

func (s *Server) connectionToken(destination ilp.Address) (string, bool) {
	if !destination.HasPrefix(string(s.address)) || destination == s.address {
		return "", false
	}
	rest := string(destination)[len(s.address)+1:]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

func (s *Server) connection(token string) *connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[token]
	if !ok {
		st = &connState{secret: DeriveSharedSecret(s.seed, token)}
		s.conns[token] = st
	}
	return st
}

// reject answers with an encrypted STREAM packet inside the Reject data so
// the sender learns the amount that actually arrived.
func (s *Server) reject(st *connState, pkt *Packet, prepare *ilp.Prepare, code, message string) *ilp.Reject {
	response := &Packet{
		Sequence:      pkt.Sequence,
		IlpPacketType: ilp.TypeReject,
		PrepareAmount: prepare.Amount,
	}
	sealed, err := response.Seal(st.secret)
	if err != nil {
		sealed = nil
	}
	r := ilp.NewReject(code, message, s.address)
	r.Data = sealed
	return r
}
