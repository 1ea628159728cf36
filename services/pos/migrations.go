package main

import (
	"context"
	_ "embed"
	"fmt"
	"log"
)

//go:embed schema.sql
var schemaSQL string

// schemaExecer é implementado pelos repositórios SQL
type schemaExecer interface {
	ExecSchema(ctx context.Context, ddl string) error
}

// applySchema cria as tabelas se ainda não existirem
func applySchema(ctx context.Context, db schemaExecer) error {
	if err := db.ExecSchema(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Println("✅ Schema applied")
	return nil
}
