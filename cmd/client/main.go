package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"paylink/common"
	"paylink/configs"
	"paylink/crypto/envelope"
	"paylink/crypto/signkey"
	"paylink/directory"
	"paylink/identity"
	"paylink/ledger"
	"paylink/relay"
)

var logger = logrus.New()

// Headless demo client: registers the device identity with the relay, then
// either sends a single payment request or listens for inbound ones.
func main() {
	var (
		envFile  = flag.String("env", ".env", "env file with SIGNING_KEY and ENCRYPTION_KEY")
		handle   = flag.String("handle", "", "handle to register")
		to       = flag.String("to", "", "recipient to request from (@handle, short id, or address)")
		amount   = flag.String("amount", "", "amount as a decimal string")
		currency = flag.String("currency", "USDC", "currency code")
		memo     = flag.String("memo", "", "optional memo")
		listen   = flag.Bool("listen", false, "stay connected and print inbound requests")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		logger.Fatalf("Error loading %s: %v", *envFile, err)
	}

	signPriv, err := hex.DecodeString(os.Getenv("SIGNING_KEY"))
	if err != nil || len(signPriv) == 0 {
		logger.Fatal("SIGNING_KEY missing or not hex")
	}
	encPriv, err := hex.DecodeString(os.Getenv("ENCRYPTION_KEY"))
	if err != nil || len(encPriv) != envelope.KeySize {
		logger.Fatal("ENCRYPTION_KEY missing or not a 32-byte hex string")
	}

	signPub, err := signkey.PrivateKey(signPriv).Public()
	if err != nil {
		logger.Fatalf("Error deriving signing public key: %v", err)
	}
	signPair := &signkey.Pair{Priv: signPriv, Pub: signPub}
	address := identity.DeriveAddress(signPub)

	encPub, err := envelope.PrivateKey(encPriv).Public()
	if err != nil {
		logger.Fatalf("Error deriving encryption public key: %v", err)
	}
	encPair := &envelope.Pair{Priv: encPriv, Pub: encPub}

	conn := relay.New(relay.Config{Logger: logger})
	conn.Initialize(signkey.NewSigner(signPair), address)
	defer conn.Disconnect()

	resolver := directory.NewResolver(conn, logger)
	led := ledger.New(conn, resolver, ledger.LocalIdentity{
		Address:        address,
		Handle:         *handle,
		EncryptionKeys: encPair,
	}, demoTransfer, logger)

	led.OnChange(func(req ledger.PaymentRequest) {
		logger.Infof("request %s [%s/%s] %s %s", req.ID, req.Direction, req.Status, req.Amount, req.Currency)
	})

	connected := make(chan struct{}, 1)
	conn.OnStateChange(func(st relay.State) {
		if st.Phase == relay.PhaseConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := conn.Connect(); err != nil {
		logger.Fatalf("Error connecting to relay: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		logger.Fatal("Timed out waiting for relay authentication")
	}

	// Publish this device's encryption key (and optional handle).
	if _, err := conn.Send(common.Register{
		Type:                common.KindRegister,
		Handle:              *handle,
		EncryptionPublicKey: encPub,
	}); err != nil {
		logger.Fatalf("Error registering: %v", err)
	}

	logger.Infof("Connected as %s", address)

	switch {
	case *to != "" && *amount != "":
		req, err := led.CreateAndSend(*to, *amount, *currency, *memo)
		if err != nil {
			logger.Fatalf("Error sending request: %v", err)
		}
		fmt.Printf("sent request %s for %s %s to %s (expires %s)\n",
			req.ID, req.Amount, req.Currency, req.CounterpartyAddress,
			req.ExpiresAt.Format(time.RFC3339))
	case *listen:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go led.RunSweeper(ctx, configs.SweepInterval)
		logger.Info("Listening for payment requests, Ctrl-C to quit")
		<-ctx.Done()
	default:
		flag.Usage()
	}
}

// demoTransfer stands in for the blockchain-execution layer.
func demoTransfer(to, amount, currency string) (string, error) {
	return fmt.Sprintf("demo-%d", time.Now().UnixMilli()), nil
}
