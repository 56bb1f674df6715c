package atm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583-connection/server"
	"github.com/moov-io/iso8583/field"
	"golang.org/x/exp/slog"
)

const authorizeTimeout = 10 * time.Second

// Withdrawal is a cash withdrawal decoded from a 0200 request.
type Withdrawal struct {
	TerminalID string
	CardNumber string
	PIN        string
	ExpiryYYMM string
	Amount     int64
}

// Withdrawer authorises and posts a withdrawal, returning the authorisation id.
type Withdrawer interface {
	Withdraw(ctx context.Context, w Withdrawal) (authorizationID string, err error)
}

// Server accepts ATM connections and answers 0200 requests with 0210 responses.
type Server struct {
	Addr string

	listenAddr string
	logger     *slog.Logger
	withdrawer Withdrawer
	server     *server.Server
}

func NewServer(logger *slog.Logger, addr string, withdrawer Withdrawer) *Server {
	return &Server{
		listenAddr: addr,
		logger:     logger.With(slog.String("component", "atm")),
		withdrawer: withdrawer,
	}
}

func (s *Server) Start() error {
	s.server = server.New(Spec, ReadMessageLength, WriteMessageLength,
		connection.InboundMessageHandler(s.handleMessage),
	)
	if err := s.server.Start(s.listenAddr); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	s.Addr = s.server.Addr
	s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
	return nil
}

func (s *Server) Close() error {
	if s.server != nil {
		s.server.Close()
	}
	return nil
}

func (s *Server) handleMessage(c *connection.Connection, message *iso8583.Message) {
	req := &WithdrawalRequest{}
	if err := message.Unmarshal(req); err != nil {
		s.logger.Error("unmarshaling request", slog.Any("err", err))
		return
	}

	mti, err := message.GetMTI()
	if err != nil {
		s.logger.Error("reading mti", slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()
	code, authID := s.authorize(ctx, mti, req)

	resp := &WithdrawalResponse{
		PAN:            echo(req.PAN),
		ProcessingCode: echo(req.ProcessingCode),
		STAN:           echo(req.STAN),
		TerminalID:     echo(req.TerminalID),
		ResponseCode:   field.NewStringValue(code),
	}
	if req.Amount != nil {
		resp.Amount = field.NewNumericValue(req.Amount.Value())
	}
	if authID != "" {
		resp.AuthorizationCode = field.NewStringValue(authID)
	}

	reply := iso8583.NewMessage(Spec)
	reply.MTI(MTIWithdrawalResponse)
	if err := reply.Marshal(resp); err != nil {
		s.logger.Error("marshaling response", slog.Any("err", err))
		return
	}
	if err := c.Reply(reply); err != nil {
		s.logger.Error("sending response", slog.Any("err", err))
	}
}

func (s *Server) authorize(ctx context.Context, mti string, req *WithdrawalRequest) (code, authID string) {
	if mti != MTIWithdrawalRequest || !strings.HasPrefix(stringValue(req.ProcessingCode), processingCashWithdrawal) {
		return InvalidTransaction, ""
	}
	if req.Amount == nil || req.Amount.Value() <= 0 {
		return InvalidAmount, ""
	}
	pan := stringValue(req.PAN)
	if pan == "" {
		return InvalidCard, ""
	}

	terminalID := strings.TrimSpace(stringValue(req.TerminalID))
	authID, err := s.withdrawer.Withdraw(ctx, Withdrawal{
		TerminalID: terminalID,
		CardNumber: pan,
		PIN:        stringValue(req.PIN),
		ExpiryYYMM: stringValue(req.ExpirationDate),
		Amount:     req.Amount.Value(),
	})
	code = responseCode(err)

	logger := s.logger.With(
		slog.String("stan", stringValue(req.STAN)),
		slog.String("terminal_id", terminalID),
		slog.String("pan", cardgen.MaskPAN(pan)),
		slog.String("response_code", code),
	)
	if code == SystemMalfunction {
		logger.Error("withdrawal failed", slog.Any("err", err))
		return code, ""
	}
	logger.Info("withdrawal processed")
	return code, authID
}

func echo(f *field.String) *field.String {
	if f == nil {
		return nil
	}
	return field.NewStringValue(f.Value())
}
