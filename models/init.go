package models

import "gorm.io/gorm"

// CreateDefaultTemplates seeds the templates a fresh install starts with.
func CreateDefaultTemplates(db *gorm.DB) error {
	defaultTemplates := []Template{
		{
			Name:      "Default campaign template",
			Type:      TemplateCampaign,
			Subject:   "News from us",
			Body:      "<!doctype html><html><body><p>Hello!</p></body></html>",
			IsDefault: true,
		},
		{
			Name:    "Opt-in confirmation",
			Type:    TemplateTx,
			Subject: "Confirm your subscription",
			Body:    "<!doctype html><html><body><p>Please confirm your subscription.</p></body></html>",
		},
	}
	for _, tpl := range defaultTemplates {
		if err := db.FirstOrCreate(&tpl, "name = ?", tpl.Name).Error; err != nil {
			return err
		}
	}
	return nil
}
