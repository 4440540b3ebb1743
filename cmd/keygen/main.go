// Package main generates credentials for the audit query API. The server only
// stores bcrypt hashes of API keys, so this tool prints the raw key once along
// with the auth.api_keys entry to paste into config.yaml. With -jwt it instead
// mints a signed token using the configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/auditcore/auditcore/internal/auth"
	"github.com/auditcore/auditcore/internal/config"
)

func main() {
	name := flag.String("name", "", "name recorded as the audit actor for this credential")
	scopes := flag.String("scopes", string(auth.ScopeAuditRead), "comma-separated scopes")
	prefix := flag.String("prefix", "adt", "API key prefix")
	jwt := flag.Bool("jwt", false, "mint a JWT instead of an API key")
	ttl := flag.Duration("ttl", 24*time.Hour, "JWT lifetime")
	flag.Parse()

	if *name == "" {
		flag.Usage()
		os.Exit(2)
	}
	scopeList := splitScopes(*scopes)
	if err := auth.ValidateScopes(scopeList); err != nil {
		log.Fatalf("Invalid scopes: %v", err)
	}

	if *jwt {
		cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		m, err := auth.NewJWTManager(cfg.Auth.JWTSecret)
		if err != nil {
			log.Fatalf("Failed to create JWT manager: %v", err)
		}
		token, err := m.GenerateJWT(*name, *name, scopeList, *ttl)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	key, hash, display, err := auth.GenerateAPIKey(*prefix)
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}
	fmt.Printf("API key (shown once): %s\n\n", key)
	fmt.Println("auth:")
	fmt.Println("  api_keys:")
	fmt.Printf("    - name: %s\n", *name)
	fmt.Printf("      prefix: %q\n", display)
	fmt.Printf("      hash: %q\n", hash)
	fmt.Printf("      scopes: [%s]\n", strings.Join(scopeList, ", "))
}

func splitScopes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
