package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drbfraser/CRADLE-Platform-sub000/internal/cli"
)

var rootCmd = &cobra.Command{Use: "cradle"}

func main() {
	_ = godotenv.Load() // .env is optional
	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Database connection string")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
