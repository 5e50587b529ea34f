package availability

import (
	"time"

	"gorm.io/datatypes"
)

// DoctorSchedule is one weekly working block. DayOfWeek follows time.Weekday.
type DoctorSchedule struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	DoctorID          string         `gorm:"type:uuid;not null;index"`
	DayOfWeek         int            `gorm:"not null"`
	StartTime         datatypes.Time `gorm:"not null"`
	EndTime           datatypes.Time `gorm:"not null"`
	MaxPatientsPerDay *int
	IsActive          bool      `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (DoctorSchedule) TableName() string { return "doctor_schedules" }

type DoctorLeave struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	DoctorID  string         `gorm:"type:uuid;not null;index"`
	LeaveDate datatypes.Date `gorm:"not null"`
	Reason    *string
	CreatedAt time.Time `gorm:"not null"`
}

func (DoctorLeave) TableName() string { return "doctor_leaves" }
