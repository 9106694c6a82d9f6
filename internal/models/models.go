package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverPosition is one live entry of the geo index. Distance is only
// populated on radius query results and is measured from the query centre.
type DriverPosition struct {
	DriverID       string  `json:"driver_id"`
	Loc            Coord   `json:"loc"`
	DistanceMeters float64 `json:"distance_m,omitempty"`
}

type VehicleType string

const (
	VehicleCompact VehicleType = "Compact"
	VehicleSedan   VehicleType = "Sedan"
	VehicleSUV     VehicleType = "SUV"
	VehicleVan     VehicleType = "Van"
)

type Vehicle struct {
	Make     string      `json:"make"`
	Model    string      `json:"model"`
	Year     int         `json:"year"`
	Capacity int         `json:"capacity"`
	Type     VehicleType `json:"type"`
}

// Descriptor renders the vehicle the way riders see it in the nearby list.
func (v Vehicle) Descriptor() string {
	return fmt.Sprintf("%d %s %s", v.Year, v.Make, v.Model)
}

type Profile struct {
	UID              string        `json:"uid"`
	Name             string        `json:"name"`
	PreferredVehicle []VehicleType `json:"preferred_vehicle"`
	Vehicle          *Vehicle      `json:"vehicle,omitempty"`
}

// NearbyDriver is the per-query view of an eligible driver. Never persisted.
type NearbyDriver struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Car             string      `json:"car"`
	Type            VehicleType `json:"type,omitempty"`
	WaitTimeMinutes int         `json:"waitTimeMinutes"`
}

// FareBreakdown amounts are integer minor currency units.
type FareBreakdown struct {
	BaseFare      int64 `json:"baseFare"`
	RatePerKm     int64 `json:"ratePerKm"`
	DistanceFare  int64 `json:"distanceFare"`
	Subtotal      int64 `json:"subtotal"`
	TaxPercent    int64 `json:"taxPercent"`
	Tax           int64 `json:"tax"`
	Total         int64 `json:"total"`
	DriverPercent int64 `json:"driverPercent"`
	DriverPayout  int64 `json:"driver"`
}

type Ride struct {
	ID               string         `json:"id"`
	PickupAddress    string         `json:"pickupAddress"`
	DropoffAddress   string         `json:"dropoffAddress"`
	Passengers       int            `json:"passengers"`
	PreferredVehicle []VehicleType  `json:"preferredVehicle"`
	CreatedBy        string         `json:"createdBy"`
	DriverID         string         `json:"driver,omitempty"`
	State            RideState      `json:"state"`
	Fare             *FareBreakdown `json:"payment,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so stores can hand out rides without sharing
// slices or the fare pointer.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.PreferredVehicle != nil {
		c.PreferredVehicle = append([]VehicleType(nil), r.PreferredVehicle...)
	}
	if r.Fare != nil {
		f := *r.Fare
		c.Fare = &f
	}
	return &c
}

// Accepts reports whether a driver's vehicle satisfies the ride's
// passenger count and vehicle preference.
func (r *Ride) Accepts(v *Vehicle) bool {
	if v == nil || v.Capacity < r.Passengers {
		return false
	}
	if len(r.PreferredVehicle) == 0 {
		return true
	}
	for _, t := range r.PreferredVehicle {
		if t == v.Type {
			return true
		}
	}
	return false
}

type PartyName struct {
	Name string `json:"name"`
}

// RideSummary is the ride shape pushed to clients.
type RideSummary struct {
	ID               string         `json:"id"`
	CreatedBy        PartyName      `json:"createdBy"`
	Driver           *PartyName     `json:"driver,omitempty"`
	PickupAddress    string         `json:"pickupAddress"`
	DropoffAddress   string         `json:"dropoffAddress"`
	Passengers       int            `json:"passengers"`
	PreferredVehicle []VehicleType  `json:"preferredVehicle,omitempty"`
	State            RideState      `json:"state"`
	Payment          *FareBreakdown `json:"payment,omitempty"`
}

type Account struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "Unpaid"
	PaymentPaid   PaymentStatus = "Paid"
)

type Transaction struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"createdAt"`
	UserID        string          `json:"userId"`
	Amount        int64           `json:"amount"`
	Type          TransactionType `json:"type"`
	RideID        string          `json:"ride,omitempty"`
	PaymentID     string          `json:"paymentId,omitempty"`
	PaymentStatus PaymentStatus   `json:"paymentStatus,omitempty"`
}
