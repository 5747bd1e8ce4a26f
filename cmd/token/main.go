package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/auth"
)

func main() {
	_ = godotenv.Load()

	userID := flag.String("user", "", "User id to put in the user_id claim")
	role := flag.String("role", "", `Role claim, e.g. "doctor"`)
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret (defaults to $JWT_SECRET)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -user <id> [-role doctor] [-secret s] [-ttl 24h]")
		os.Exit(1)
	}
	if *secret == "" {
		*secret = "dev-secret"
		fmt.Fprintln(os.Stderr, "JWT_SECRET not set, signing with the development secret")
	}

	token, err := auth.NewVerifier(*secret).Issue(*userID, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
