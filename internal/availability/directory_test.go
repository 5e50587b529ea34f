package availability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var clinic = time.FixedZone("WIB", 7*60*60)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Minimal sqlite-friendly schema mirroring migrations/002.
	schema := []string{
		`CREATE TABLE doctor_schedules (
			id TEXT PRIMARY KEY,
			doctor_id TEXT NOT NULL,
			day_of_week INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			max_patients_per_day INTEGER,
			is_active BOOLEAN NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE doctor_leaves (
			id TEXT PRIMARY KEY,
			doctor_id TEXT NOT NULL,
			leave_date DATE NOT NULL,
			reason TEXT,
			created_at DATETIME
		);`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func addSchedule(t *testing.T, db *gorm.DB, doctorID string, weekday time.Weekday, start, end datatypes.Time, max *int, active bool) {
	t.Helper()
	schedule := DoctorSchedule{
		ID:                uuid.NewString(),
		DoctorID:          doctorID,
		DayOfWeek:         int(weekday),
		StartTime:         start,
		EndTime:           end,
		MaxPatientsPerDay: max,
		IsActive:          active,
	}
	if err := db.Create(&schedule).Error; err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
}

func intPtr(v int) *int { return &v }

// Monday 2026-01-12 10:30 in the clinic zone.
var mondayMorning = time.Date(2026, 1, 12, 10, 30, 0, 0, clinic)

func TestWorkingWindowInsideSchedule(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Monday, datatypes.NewTime(9, 0, 0, 0), datatypes.NewTime(13, 0, 0, 0), intPtr(15), true)

	dir := NewGormDirectory(db, clinic, 20)
	window, found, err := dir.WorkingWindow(context.Background(), doctorID, mondayMorning)
	if err != nil {
		t.Fatalf("working window: %v", err)
	}
	if !found {
		t.Fatalf("expected schedule to be found")
	}
	if !window.Contains(mondayMorning) {
		t.Fatalf("expected %v inside [%v, %v)", mondayMorning, window.Start, window.End)
	}
	if window.MaxPatientsPerDay != 15 {
		t.Fatalf("expected per-doctor max 15, got %d", window.MaxPatientsPerDay)
	}
	wantStart := time.Date(2026, 1, 12, 9, 0, 0, 0, clinic)
	if !window.Start.Equal(wantStart) {
		t.Fatalf("expected start %v, got %v", wantStart, window.Start)
	}
}

func TestWorkingWindowFallsBackToDefaultMax(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Monday, datatypes.NewTime(8, 0, 0, 0), datatypes.NewTime(16, 0, 0, 0), nil, true)

	window, found, err := NewGormDirectory(db, clinic, 20).WorkingWindow(context.Background(), doctorID, mondayMorning)
	if err != nil || !found {
		t.Fatalf("expected window, found=%v err=%v", found, err)
	}
	if window.MaxPatientsPerDay != 20 {
		t.Fatalf("expected default max 20, got %d", window.MaxPatientsPerDay)
	}
}

func TestWorkingWindowOutsideHours(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Monday, datatypes.NewTime(14, 0, 0, 0), datatypes.NewTime(18, 0, 0, 0), nil, true)

	window, found, err := NewGormDirectory(db, clinic, 20).WorkingWindow(context.Background(), doctorID, mondayMorning)
	if err != nil || !found {
		t.Fatalf("expected window, found=%v err=%v", found, err)
	}
	if window.Contains(mondayMorning) {
		t.Fatalf("expected morning to fall outside afternoon window")
	}
}

func TestWorkingWindowSkipsInactiveAndOtherDays(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Tuesday, datatypes.NewTime(9, 0, 0, 0), datatypes.NewTime(17, 0, 0, 0), nil, true)
	addSchedule(t, db, doctorID, time.Monday, datatypes.NewTime(9, 0, 0, 0), datatypes.NewTime(17, 0, 0, 0), nil, false)

	_, found, err := NewGormDirectory(db, clinic, 20).WorkingWindow(context.Background(), doctorID, mondayMorning)
	if err != nil {
		t.Fatalf("working window: %v", err)
	}
	if found {
		t.Fatalf("expected no working window on Monday")
	}
}

func TestWorkingWindowHonoursLeave(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Monday, datatypes.NewTime(9, 0, 0, 0), datatypes.NewTime(17, 0, 0, 0), nil, true)
	leave := DoctorLeave{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		LeaveDate: datatypes.Date(time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)),
	}
	if err := db.Create(&leave).Error; err != nil {
		t.Fatalf("insert leave: %v", err)
	}

	_, found, err := NewGormDirectory(db, clinic, 20).WorkingWindow(context.Background(), doctorID, mondayMorning)
	if err != nil {
		t.Fatalf("working window: %v", err)
	}
	if found {
		t.Fatalf("expected leave day to have no working window")
	}
}

func TestWorkingWindowUsesClinicDay(t *testing.T) {
	db := openTestDB(t)
	doctorID := uuid.NewString()
	addSchedule(t, db, doctorID, time.Tuesday, datatypes.NewTime(6, 0, 0, 0), datatypes.NewTime(12, 0, 0, 0), nil, true)

	// Monday 23:30 UTC is already Tuesday 06:30 in the clinic zone.
	at := time.Date(2026, 1, 12, 23, 30, 0, 0, time.UTC)
	window, found, err := NewGormDirectory(db, clinic, 20).WorkingWindow(context.Background(), doctorID, at)
	if err != nil || !found {
		t.Fatalf("expected Tuesday window, found=%v err=%v", found, err)
	}
	if !window.Contains(at) {
		t.Fatalf("expected %v inside [%v, %v)", at, window.Start, window.End)
	}
}

func TestAlwaysOpenCoversClinicDay(t *testing.T) {
	dir := AlwaysOpen{Location: clinic, DefaultMax: 20}
	window, found, err := dir.WorkingWindow(context.Background(), "doctor", mondayMorning)
	if err != nil || !found {
		t.Fatalf("expected window, found=%v err=%v", found, err)
	}
	if !window.Contains(mondayMorning) || window.End.Sub(window.Start) != 24*time.Hour {
		t.Fatalf("unexpected window %+v", window)
	}
	if window.MaxPatientsPerDay != 20 {
		t.Fatalf("expected max 20, got %d", window.MaxPatientsPerDay)
	}
}
