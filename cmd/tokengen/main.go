// Command tokengen mints an HS256 token for calling the service
// endpoints, e.g. for the review service:
//
//	tokengen -sub review-service -role SERVICE -ttl 720h
//
// The secret is read from JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/review-points-service/internal/utils"
)

func main() {
	sub := flag.String("sub", "review-service", "token subject")
	role := flag.String("role", "SERVICE", "token role")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	tok, err := utils.NewAccessToken(os.Getenv("JWT_SECRET"), *sub, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
	fmt.Fprintln(os.Stderr, "expires", tok.Exp.Format(time.RFC3339))
}
