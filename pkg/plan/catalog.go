package plan

// DefaultCatalog returns the built-in plan catalog. Deployments that need
// different numbers load a YAML catalog through NewFileSource instead.
func DefaultCatalog() map[ID]Plan {
	return map[ID]Plan{
		PlanAttendee: {
			ID:          PlanAttendee,
			Name:        "Attendee",
			Description: "Attend events and courses. No creation capabilities.",
			Limits:      StrictZero(),
			Public:      true,
		},
		PlanOrganizer: {
			ID:          PlanOrganizer,
			Name:        "Organizer",
			Description: "Host events and issue certificates of attendance.",
			Limits: LimitSet{
				EventsPerPeriod:       Limit(5),
				CoursesPerPeriod:      Limit(0),
				CertificatesPerPeriod: Limit(200),
				MaxAttendeesPerEvent:  Limit(100),
			},
			Features:        []Feature{FeatureCreateEvents, FeatureIssueCertificates},
			TrialDays:       14,
			MonthlyPrice:    Money{Amount: 2900, Currency: "USD"},
			YearlyPrice:     Money{Amount: 29000, Currency: "USD"},
			MonthlyPriceRef: "price_organizer_month",
			YearlyPriceRef:  "price_organizer_year",
			Public:          true,
		},
		PlanLMS: {
			ID:          PlanLMS,
			Name:        "LMS",
			Description: "Run courses with certification.",
			Limits: LimitSet{
				EventsPerPeriod:       Limit(0),
				CoursesPerPeriod:      Limit(10),
				CertificatesPerPeriod: Limit(500),
				MaxAttendeesPerEvent:  Limit(100),
			},
			Features:        []Feature{FeatureCreateCourses, FeatureIssueCertificates},
			TrialDays:       14,
			MonthlyPrice:    Money{Amount: 4900, Currency: "USD"},
			YearlyPrice:     Money{Amount: 49000, Currency: "USD"},
			MonthlyPriceRef: "price_lms_month",
			YearlyPriceRef:  "price_lms_year",
			Public:          true,
		},
		PlanOrganization: {
			ID:          PlanOrganization,
			Name:        "Organization",
			Description: "Seat-based plan for teams: events, courses and certificates.",
			Limits: LimitSet{
				// Events and courses are unlimited on the organization plan.
				CertificatesPerPeriod: Limit(2000),
				MaxAttendeesPerEvent:  Limit(1000),
			},
			Features: []Feature{
				FeatureCreateEvents,
				FeatureCreateCourses,
				FeatureIssueCertificates,
				FeatureTeamMembers,
			},
			TrialDays:          30,
			MonthlyPrice:       Money{Amount: 19900, Currency: "USD"},
			YearlyPrice:        Money{Amount: 199000, Currency: "USD"},
			MonthlyPriceRef:    "price_org_month",
			YearlyPriceRef:     "price_org_year",
			IncludedSeats:      5,
			SeatPrice:          Money{Amount: 1500, Currency: "USD"},
			AutoProvisionSeats: true,
			Public:             true,
		},
	}
}
