// Command atm sends a single cash withdrawal to the bank's ISO 8583 port and
// prints the response.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cyberbank/corebank/bank/atm"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/money"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583/field"
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8583", "bank ISO 8583 address")
	flagPAN      = flag.String("pan", "", "card number")
	flagPIN      = flag.String("pin", "", "4-digit PIN")
	flagAmount   = flag.String("amount", "", "amount in major units, e.g. 150.00")
	flagExpiry   = flag.String("expiry", "", "card face expiry MM/YY")
	flagTerminal = flag.String("terminal", "ATM00001", "terminal id, up to 8 characters")
	flagVerbose  = flag.Bool("verbose", false, "print full PAN (otherwise masked)")
)

func main() {
	flag.Parse()
	pan := cardgen.NormalizePAN(*flagPAN)
	must(cardgen.ValidatePAN(pan))
	yymm := must1(expiry.ParseCardFace(*flagExpiry))
	amount := must1(money.Parse(*flagAmount))
	terminal := must1(terminalID(*flagTerminal))
	stan := must1(cardgen.RandomDigits(6))

	msg := iso8583.NewMessage(atm.Spec)
	msg.MTI(atm.MTIWithdrawalRequest)
	must(msg.Marshal(&atm.WithdrawalRequest{
		PAN:              field.NewStringValue(pan),
		ProcessingCode:   field.NewStringValue("010000"),
		Amount:           field.NewNumericValue(amount),
		TransmissionTime: field.NewStringValue(time.Now().UTC().Format("0102150405")),
		STAN:             field.NewStringValue(stan),
		ExpirationDate:   field.NewStringValue(yymm),
		TerminalID:       field.NewStringValue(terminal),
		PIN:              field.NewStringValue(*flagPIN),
	}))

	c := must1(connection.New(*flagAddr, atm.Spec, atm.ReadMessageLength, atm.WriteMessageLength))
	must(c.Connect())
	defer c.Close()

	reply := must1(c.Send(msg))
	resp := &atm.WithdrawalResponse{}
	must(reply.Unmarshal(resp))

	printPAN := cardgen.MaskPAN(pan)
	if *flagVerbose {
		printPAN = pan
	}
	fmt.Printf("PAN: %s  EXP: %s  AMOUNT: %s\n", printPAN, expiry.CardFace(yymm), money.Format(amount))
	fmt.Printf("STAN: %s  RESPONSE: %s\n", stan, value(resp.ResponseCode))
	if code := value(resp.AuthorizationCode); code != "" {
		fmt.Printf("AUTH: %s\n", code)
	}
}

func terminalID(in string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(in))
	if id == "" || len(id) > 8 {
		return "", fmt.Errorf("terminal id must be 1 to 8 characters")
	}
	return id, nil
}

func value(f *field.String) string {
	if f == nil {
		return ""
	}
	return f.Value()
}

func must(err error) {
	if err != nil {
		fail("%v", err)
	}
}

func must1[T any](v T, err error) T {
	if err != nil {
		fail("%v", err)
	}
	return v
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
