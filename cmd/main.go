package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/blobmigrate/internal/config"
	"github.com/zzenonn/blobmigrate/internal/logging"
	"github.com/zzenonn/blobmigrate/internal/repository/db"
	"github.com/zzenonn/blobmigrate/internal/repository/migrate"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "blobmigrate",
	Short: "Migrate resource uploads into blob storage",
	Long:  "A CLI that moves legacy resource payloads into a Git LFS compatible blob store and records where they went",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log_level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "hide transfer progress bars")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the DynamoDB resources table",
	Run: func(cmd *cobra.Command, args []string) {
		dynamoDb, err := db.NewDatabase(cfg.AwsConfig)
		if err != nil {
			fmt.Printf("Failed to connect to the database: %v\n", err)
			return
		}

		if err := migrate.Up(context.Background(), dynamoDb.Client, cfg.DynamoDBTable); err != nil {
			fmt.Printf("Failed to migrate the database: %v\n", err)
			return
		}

		fmt.Println("Database initialized and migrated successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Drop the DynamoDB resources table",
	Run: func(cmd *cobra.Command, args []string) {
		dynamoDb, err := db.NewDatabase(cfg.AwsConfig)
		if err != nil {
			fmt.Printf("Failed to connect to the database: %v\n", err)
			return
		}

		if err := migrate.Down(context.Background(), dynamoDb.Client, cfg.DynamoDBTable); err != nil {
			fmt.Printf("Failed to roll back migrations: %v\n", err)
			return
		}

		fmt.Println("Database migrations rolled back successfully")
	},
}

func initConfig() {
	logging.InitFromEnv()

	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
