package repository

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-gateway/internal/models"
)

// SeedDemoCompany seeds a demo merchant for local testing.
// This is idempotent - it uses upsert to avoid duplicates, and never
// overwrites a rotated api_token. The token itself is never logged.
func SeedDemoCompany(db *gorm.DB, logger *logrus.Logger) error {
	company := models.Company{
		ID:           1,
		Name:         "Demo Commerce",
		ContactEmail: "dev@localhost",
		APIToken:     "demo-token",
		Active:       true,
	}

	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"contact_email",
			"active",
			"updated_at",
		}),
	}).Create(&company)

	if result.Error != nil {
		return result.Error
	}

	logger.WithFields(logrus.Fields{
		"company_id": company.ID,
		"name":       company.Name,
	}).Info("Seeded demo company")
	return nil
}
