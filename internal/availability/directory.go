// Package availability resolves a doctor's working window for a moment in
// time from the schedule tables.
package availability

import (
	"context"
	"fmt"
	"time"

	"clinic/visit-queue/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Directory returns the working window of doctorID on the clinic day that
// contains at. found is false when the doctor has no schedule that day.
type Directory interface {
	WorkingWindow(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error)
}

// Open builds a gorm handle that shares the service's pgx pool.
func Open(pool *pgxpool.Pool) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	return db, nil
}

type GormDirectory struct {
	db         *gorm.DB
	location   *time.Location
	defaultMax int
}

func NewGormDirectory(db *gorm.DB, location *time.Location, defaultMax int) *GormDirectory {
	if location == nil {
		location = time.UTC
	}
	return &GormDirectory{db: db, location: location, defaultMax: defaultMax}
}

func (d *GormDirectory) WorkingWindow(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
	local := at.In(d.location)
	y, m, day := local.Date()
	midnight := time.Date(y, m, day, 0, 0, 0, 0, d.location)

	var leaves int64
	err := d.db.WithContext(ctx).
		Model(&DoctorLeave{}).
		Where("doctor_id = ? AND leave_date = ?", doctorID, time.Date(y, m, day, 0, 0, 0, 0, time.UTC)).
		Count(&leaves).Error
	if err != nil {
		return models.WorkingWindow{}, false, err
	}
	if leaves > 0 {
		return models.WorkingWindow{}, false, nil
	}

	var schedules []DoctorSchedule
	err = d.db.WithContext(ctx).
		Where("doctor_id = ? AND day_of_week = ? AND is_active = ?", doctorID, int(local.Weekday()), true).
		Order("start_time ASC").
		Find(&schedules).Error
	if err != nil {
		return models.WorkingWindow{}, false, err
	}
	if len(schedules) == 0 {
		return models.WorkingWindow{}, false, nil
	}

	var chosen *models.WorkingWindow
	for _, schedule := range schedules {
		window := d.window(doctorID, midnight, schedule)
		if window.Contains(at) {
			return window, true, nil
		}
		// Outside every block report the latest one already started, or the
		// first block of the day when none has.
		if chosen == nil || at.After(window.Start) {
			w := window
			chosen = &w
		}
	}
	return *chosen, true, nil
}

func (d *GormDirectory) window(doctorID string, midnight time.Time, schedule DoctorSchedule) models.WorkingWindow {
	maxPatients := d.defaultMax
	if schedule.MaxPatientsPerDay != nil && *schedule.MaxPatientsPerDay > 0 {
		maxPatients = *schedule.MaxPatientsPerDay
	}
	return models.WorkingWindow{
		DoctorID:          doctorID,
		Start:             midnight.Add(time.Duration(schedule.StartTime)),
		End:               midnight.Add(time.Duration(schedule.EndTime)),
		MaxPatientsPerDay: maxPatients,
	}
}

// AlwaysOpen treats every doctor as working the whole clinic day. It backs
// the in-memory development mode where no schedule tables exist.
type AlwaysOpen struct {
	Location   *time.Location
	DefaultMax int
}

func (a AlwaysOpen) WorkingWindow(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
	location := a.Location
	if location == nil {
		location = time.UTC
	}
	y, m, day := at.In(location).Date()
	start := time.Date(y, m, day, 0, 0, 0, 0, location)
	return models.WorkingWindow{
		DoctorID:          doctorID,
		Start:             start,
		End:               start.AddDate(0, 0, 1),
		MaxPatientsPerDay: a.DefaultMax,
	}, true, nil
}
