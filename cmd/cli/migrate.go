package cli

import (
	"fmsdesk/internal/models"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := loadConfig()
		db, err := openDatabase(cfg)
		if err != nil {
			log.Fatalf("%v", err)
		}

		log.Info("Starting database migration...")
		if err := db.AutoMigrate(models.All()...); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}

		// 队列与会话查询使用的复合索引
		for _, stmt := range []string{
			"CREATE INDEX IF NOT EXISTS idx_tickets_status_created ON tickets(status, created_at)",
			"CREATE INDEX IF NOT EXISTS idx_sessions_chat_state ON executor_ticket_sessions(telegram_chat_id, state)",
		} {
			if err := db.Exec(stmt).Error; err != nil {
				log.Warnf("create index: %v", err)
			}
		}
		log.Info("Database migration completed successfully!")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
