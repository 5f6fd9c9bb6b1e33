package model

import "time"

// Activity is the local copy of one provider activity.
//
// (UserID, ProviderActivityID) is unique and is the merge key.
// TSS and IntensityFactor are computed locally by the analytics side of the
// dashboard; a sync never writes them.
type Activity struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	ProviderActivityID int64     `json:"providerActivityId"`
	Name               string    `json:"name"`
	SportType          string    `json:"sportType"`
	StartDate          time.Time `json:"startDate"`      // UTC
	StartDateLocal     time.Time `json:"startDateLocal"` // athlete's wall clock
	Timezone           string    `json:"timezone"`
	Distance           float64   `json:"distance"`    // meters
	MovingTime         int       `json:"movingTime"`  // seconds
	ElapsedTime        int       `json:"elapsedTime"` // seconds
	TotalElevationGain float64   `json:"totalElevationGain"`
	AverageHeartrate   *float64  `json:"averageHeartrate,omitempty"`
	MaxHeartrate       *float64  `json:"maxHeartrate,omitempty"`
	AverageWatts       *float64  `json:"averageWatts,omitempty"`
	AverageCadence     *float64  `json:"averageCadence,omitempty"`

	TSS             *float64 `json:"tss,omitempty"`
	IntensityFactor *float64 `json:"intensityFactor,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SameRemoteFields reports whether every provider-owned field of a and b is
// equal. Derived fields and timestamps are ignored.
func (a *Activity) SameRemoteFields(b *Activity) bool {
	return a.Name == b.Name &&
		a.SportType == b.SportType &&
		a.StartDate.Equal(b.StartDate) &&
		a.StartDateLocal.Equal(b.StartDateLocal) &&
		a.Timezone == b.Timezone &&
		a.Distance == b.Distance &&
		a.MovingTime == b.MovingTime &&
		a.ElapsedTime == b.ElapsedTime &&
		a.TotalElevationGain == b.TotalElevationGain &&
		equalOptional(a.AverageHeartrate, b.AverageHeartrate) &&
		equalOptional(a.MaxHeartrate, b.MaxHeartrate) &&
		equalOptional(a.AverageWatts, b.AverageWatts) &&
		equalOptional(a.AverageCadence, b.AverageCadence)
}

// ApplyRemoteFields copies the provider-owned fields of src onto a.
func (a *Activity) ApplyRemoteFields(src *Activity) {
	a.Name = src.Name
	a.SportType = src.SportType
	a.StartDate = src.StartDate
	a.StartDateLocal = src.StartDateLocal
	a.Timezone = src.Timezone
	a.Distance = src.Distance
	a.MovingTime = src.MovingTime
	a.ElapsedTime = src.ElapsedTime
	a.TotalElevationGain = src.TotalElevationGain
	a.AverageHeartrate = src.AverageHeartrate
	a.MaxHeartrate = src.MaxHeartrate
	a.AverageWatts = src.AverageWatts
	a.AverageCadence = src.AverageCadence
}

func equalOptional(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
