package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	jwtpkg "brokerinbox/backend/internal/auth/jwt"
	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage/hybrid"
)

// issue-token 为审核人员签发访问令牌。
// 配置了数据库时先确认租户存在。
func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: issue-token <tenant-id> <user-id> <email> [broker|admin]")
		os.Exit(1)
	}

	tenantID := os.Args[1]
	userID := os.Args[2]
	email := os.Args[3]
	role := jwtpkg.RoleBroker
	if len(os.Args) >= 5 && os.Args[4] == jwtpkg.RoleAdmin {
		role = jwtpkg.RoleAdmin
	}

	if !domain.IsUUID(tenantID) {
		fmt.Println("Invalid tenant id, expected a UUID")
		os.Exit(1)
	}
	if err := domain.ValidateEmail(email); err != nil {
		fmt.Printf("Invalid email: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		if err := checkTenant(cfg, tenantID); err != nil {
			fmt.Printf("Tenant check failed: %v\n", err)
			os.Exit(1)
		}
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	token, expiresAt, err := manager.IssueToken(userID, tenantID, email, role)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token issued")
	fmt.Printf("  Tenant:  %s\n", tenantID)
	fmt.Printf("  User:    %s (%s)\n", userID, role)
	fmt.Printf("  Expires: %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token)
}

func checkTenant(cfg *config.Config, tenantID string) error {
	store, err := hybrid.NewStoreWithType(&cfg.Database, nil, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenant, err := store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("Tenant found: %s (%s)\n", tenant.Name, tenant.Subdomain)
	return nil
}
