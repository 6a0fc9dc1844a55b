package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/restspace-gateway/internal/auth"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  go run cmd/keygen/main.go hash <password>")
	fmt.Println("      Prints the passwordHash for an auth service user")
	fmt.Println("  go run cmd/keygen/main.go token <tenant> <email> [roles]")
	fmt.Println("      Signs a session token with RS_AUTH__JWT_SECRET")
	fmt.Println("  go run cmd/keygen/main.go admin <token>")
	fmt.Println("      Prints RS_ADMIN__TOKEN_HASH for the /admin API")
	os.Exit(1)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 3 {
		usage()
	}

	switch os.Args[1] {
	case "hash":
		password := os.Args[2]
		fmt.Printf("passwordHash: %s\n", auth.HashSecret(password))
		fmt.Println("\nAdd this to the auth service config in services.json:")
		fmt.Printf("  \"users\": {\"you@example.com\": {\"passwordHash\": \"%s\", \"roles\": \"U\"}}\n", auth.HashSecret(password))

	case "admin":
		fmt.Printf("RS_ADMIN__TOKEN_HASH=%s\n", auth.HashSecret(os.Args[2]))
		fmt.Println("\nCall the admin API with: Authorization: Bearer <token>")

	case "token":
		if len(os.Args) < 4 {
			usage()
		}
		secret := os.Getenv("RS_AUTH__JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "RS_AUTH__JWT_SECRET is not set")
			os.Exit(1)
		}
		signer, err := auth.NewSigner(secret, os.Args[2], 24*time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		user := &message.User{Email: os.Args[3], Roles: strings.Join(os.Args[4:], " ")}
		token, exp, err := signer.Issue(user)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Token: %s\n", token)
		fmt.Printf("Expires: %s\n", exp.Format(time.RFC3339))

	default:
		usage()
	}
}
