package sip_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddyslarez/sip-library-sub001/log"
	"github.com/eddyslarez/sip-library-sub001/sip"
)

// captureSender records every wire message it is asked to send.
type captureSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *captureSender) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestInvite(branch string) *sip.Message {
	req := sip.NewRequest(sip.RequestMethodInvite, "sip:bob@example.com")
	req.Headers.Set(sip.HdrVia, "SIP/2.0/WS h1.invalid;branch="+branch)
	req.Headers.Set(sip.HdrFrom, "<sip:alice@example.com>;tag=a1")
	req.Headers.Set(sip.HdrTo, "<sip:bob@example.com>")
	req.Headers.Set(sip.HdrCallID, "tx-"+branch)
	req.Headers.Set(sip.HdrCSeq, "1 INVITE")
	return req
}

type handlerCall struct {
	res *sip.Message
	err error
}

func TestTransactionManager_ResponseFlow(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	tm := sip.NewTransactionManager(sender, &sip.TransactionManagerOptions{Logger: log.Noop})

	var calls []handlerCall
	req := newTestInvite("z9hG4bK.flow")
	tx, err := tm.SendRequest(context.Background(), req, func(_ *sip.ClientTransaction, res *sip.Message, err error) {
		calls = append(calls, handlerCall{res, err})
	})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sender.count() = %d, want 1", sender.count())
	}
	if tm.Len() != 1 {
		t.Fatalf("tm.Len() = %d, want 1", tm.Len())
	}

	for _, status := range []sip.ResponseStatus{
		sip.ResponseStatusTrying, sip.ResponseStatusRinging, sip.ResponseStatusOK,
	} {
		if err := tm.RecvResponse(context.Background(), sip.NewResponse(req, status)); err != nil {
			t.Fatalf("RecvResponse(%d) error = %v", status, err)
		}
	}

	if len(calls) != 3 {
		t.Fatalf("len(calls) = %d, want 3", len(calls))
	}
	for i, want := range []sip.ResponseStatus{
		sip.ResponseStatusTrying, sip.ResponseStatusRinging, sip.ResponseStatusOK,
	} {
		if calls[i].err != nil || calls[i].res.Status != want {
			t.Errorf("calls[%d] = (%v, %v), want status %d", i, calls[i].res, calls[i].err, want)
		}
	}

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated after final response")
	}
	if tm.Len() != 0 {
		t.Errorf("tm.Len() = %d, want 0 after final response", tm.Len())
	}
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
}

func TestTransactionManager_DuplicateFinalDeliveredOnce(t *testing.T) {
	t.Parallel()

	tm := sip.NewTransactionManager(&captureSender{}, &sip.TransactionManagerOptions{Logger: log.Noop})

	finals := 0
	req := newTestInvite("z9hG4bK.dup")
	_, err := tm.SendRequest(context.Background(), req, func(_ *sip.ClientTransaction, res *sip.Message, err error) {
		if err == nil && res.Status.IsFinal() {
			finals++
		}
	})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	res := sip.NewResponse(req, sip.ResponseStatusOK)
	if err := tm.RecvResponse(context.Background(), res); err != nil {
		t.Fatalf("RecvResponse() error = %v", err)
	}
	// the retransmitted final matches no transaction anymore
	if err := tm.RecvResponse(context.Background(), res); !errors.Is(err, sip.ErrTransactionNotMatched) {
		t.Fatalf("RecvResponse(dup) error = %v, want ErrTransactionNotMatched", err)
	}
	if finals != 1 {
		t.Errorf("finals = %d, want 1", finals)
	}
}

func TestTransactionManager_UnmatchedResponse(t *testing.T) {
	t.Parallel()

	tm := sip.NewTransactionManager(&captureSender{}, &sip.TransactionManagerOptions{Logger: log.Noop})

	res := sip.NewResponse(newTestInvite("z9hG4bK.nobody"), sip.ResponseStatusOK)
	if err := tm.RecvResponse(context.Background(), res); !errors.Is(err, sip.ErrTransactionNotMatched) {
		t.Fatalf("RecvResponse() error = %v, want ErrTransactionNotMatched", err)
	}
}

func TestTransactionManager_Timeout(t *testing.T) {
	t.Parallel()

	tm := sip.NewTransactionManager(&captureSender{}, &sip.TransactionManagerOptions{
		Timings: sip.NewTimings(time.Millisecond, 4*time.Millisecond),
		Logger:  log.Noop,
	})

	outcome := make(chan handlerCall, 1)
	_, err := tm.SendRequest(context.Background(), newTestInvite("z9hG4bK.to"), func(_ *sip.ClientTransaction, res *sip.Message, err error) {
		outcome <- handlerCall{res, err}
	})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	select {
	case got := <-outcome:
		if !errors.Is(got.err, sip.ErrTransactionTimeout) {
			t.Fatalf("handler error = %v, want ErrTransactionTimeout", got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout delivered")
	}
}

func TestTransactionManager_Retransmission(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	tm := sip.NewTransactionManager(sender, &sip.TransactionManagerOptions{
		Timings:    sip.NewTimings(5*time.Millisecond, 20*time.Millisecond),
		Unreliable: true,
		Logger:     log.Noop,
	})

	req := newTestInvite("z9hG4bK.rtx")
	_, err := tm.SendRequest(context.Background(), req, func(*sip.ClientTransaction, *sip.Message, error) {})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sender.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() < 2 {
		t.Fatalf("sender.count() = %d, want at least 2 (retransmission)", sender.count())
	}

	// a final response stops retransmissions
	if err := tm.RecvResponse(context.Background(), sip.NewResponse(req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("RecvResponse() error = %v", err)
	}
}

func TestTransactionManager_ReliableTransportSkipsRetransmission(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	tm := sip.NewTransactionManager(sender, &sip.TransactionManagerOptions{
		Timings: sip.NewTimings(time.Millisecond, 4*time.Millisecond),
		Logger:  log.Noop,
	})

	_, err := tm.SendRequest(context.Background(), newTestInvite("z9hG4bK.rel"), func(*sip.ClientTransaction, *sip.Message, error) {})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sender.count() != 1 {
		t.Errorf("sender.count() = %d, want 1 (no retransmissions on a stream transport)", sender.count())
	}
}

func TestTransactionManager_SendError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	tm := sip.NewTransactionManager(&captureSender{err: wantErr}, &sip.TransactionManagerOptions{Logger: log.Noop})

	_, err := tm.SendRequest(context.Background(), newTestInvite("z9hG4bK.err"), nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("SendRequest() error = %v, want %v", err, wantErr)
	}
	if tm.Len() != 0 {
		t.Errorf("tm.Len() = %d, want 0 after failed send", tm.Len())
	}
}

func TestTransactionManager_Close(t *testing.T) {
	t.Parallel()

	tm := sip.NewTransactionManager(&captureSender{}, &sip.TransactionManagerOptions{Logger: log.Noop})

	tx, err := tm.SendRequest(context.Background(), newTestInvite("z9hG4bK.close"), nil)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if err := tm.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated by Close")
	}
	if _, err := tm.SendRequest(context.Background(), newTestInvite("z9hG4bK.after"), nil); !errors.Is(err, sip.ErrTransactionManagerClosed) {
		t.Fatalf("SendRequest() after Close error = %v, want ErrTransactionManagerClosed", err)
	}
}

func TestTransactionKey_FillFromMessage(t *testing.T) {
	t.Parallel()

	req := newTestInvite("z9hG4bK.key")
	var key sip.TransactionKey
	if err := key.FillFromMessage(req); err != nil {
		t.Fatalf("FillFromMessage() error = %v", err)
	}
	want := sip.TransactionKey{Branch: "z9hG4bK.key", Method: sip.RequestMethodInvite}
	if key != want {
		t.Errorf("key = %+v, want %+v", key, want)
	}

	// the CANCEL of an INVITE shares the branch but not the key
	cancel := newTestInvite("z9hG4bK.key")
	cancel.Method = sip.RequestMethodCancel
	cancel.Headers.Set(sip.HdrCSeq, "1 CANCEL")
	var cancelKey sip.TransactionKey
	if err := cancelKey.FillFromMessage(cancel); err != nil {
		t.Fatalf("FillFromMessage(cancel) error = %v", err)
	}
	if cancelKey == key {
		t.Error("cancelKey equals the INVITE key, want distinct keys per method")
	}
}
