package main

import (
	"fmt"
	"log"

	"paylink/crypto/envelope"
	"paylink/crypto/signkey"
	"paylink/identity"
)

// Prints a fresh device identity in .env format for the demo client.
func main() {
	signPair, err := signkey.New()
	if err != nil {
		log.Fatalf("Failed to generate signing key: %v", err)
	}

	encPair, err := envelope.NewPair()
	if err != nil {
		log.Fatalf("Failed to generate encryption key: %v", err)
	}

	fmt.Printf("SIGNING_KEY=%x\n", []byte(signPair.Priv))
	fmt.Printf("ENCRYPTION_KEY=%x\n", []byte(encPair.Priv))
	fmt.Printf("# address: %s\n", identity.DeriveAddress(signPair.Pub))
}
