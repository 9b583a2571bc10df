package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var subscriberSortColumns = map[string]string{
	"id":         "subscribers.id",
	"email":      "subscribers.email",
	"name":       "subscribers.name",
	"status":     "subscribers.status",
	"created_at": "subscribers.created_at",
	"updated_at": "subscribers.updated_at",
}

var subscriberFilterColumns = map[string]string{
	"email":  "subscribers.email",
	"name":   "subscribers.name",
	"status": "subscribers.status",
}

// SubscriberQuery is a filtered, sorted, paginated subscriber listing.
// Only allow-listed columns may be sorted or filtered on.
type SubscriberQuery struct {
	Filters map[string]string
	Search  string
	ListID  uint
	SortBy  string
	Order   string
	Page    int
	PerPage int
}

// Normalize clamps paging and fills defaults.
func (q *SubscriberQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = defaultPageSize
	}
	if q.PerPage > maxPageSize {
		q.PerPage = maxPageSize
	}
	if q.SortBy == "" {
		q.SortBy = "id"
	}
	q.Order = strings.ToLower(q.Order)
	if q.Order != "desc" {
		q.Order = "asc"
	}
}

// Validate rejects sort or filter columns outside the allow-list.
func (q *SubscriberQuery) Validate() error {
	if q.SortBy != "" {
		if _, ok := subscriberSortColumns[q.SortBy]; !ok {
			return fmt.Errorf("cannot sort by %q", q.SortBy)
		}
	}
	for key := range q.Filters {
		if _, ok := subscriberFilterColumns[key]; !ok {
			return fmt.Errorf("cannot filter by %q", key)
		}
	}
	return nil
}

// Apply normalizes and validates q, then adds its filter clauses to db.
func (q *SubscriberQuery) Apply(db *gorm.DB) (*gorm.DB, error) {
	q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q.applyFilters(db), nil
}

// Paginate adds ordering and paging. Call after Apply.
func (q *SubscriberQuery) Paginate(db *gorm.DB) *gorm.DB {
	db = db.Order(fmt.Sprintf("%s %s", subscriberSortColumns[q.SortBy], q.Order))
	return db.Limit(q.PerPage).Offset((q.Page - 1) * q.PerPage)
}

func (q *SubscriberQuery) applyFilters(db *gorm.DB) *gorm.DB {
	for key, value := range q.Filters {
		db = db.Where(subscriberFilterColumns[key]+" = ?", value)
	}
	if q.Search != "" {
		like := "%" + strings.ToLower(q.Search) + "%"
		db = db.Where("(LOWER(subscribers.email) LIKE ? OR LOWER(subscribers.name) LIKE ?)", like, like)
	}
	if q.ListID != 0 {
		db = db.Where("subscribers.id IN (?)",
			db.Session(&gorm.Session{NewDB: true}).Table("subscriber_lists").Select("subscriber_id").Where("list_id = ?", q.ListID))
	}
	return db
}
