package policy

import "time"

// DefaultVersion tags the built-in policy.
const DefaultVersion = "builtin"

// Defaults returns an uncompiled copy of the built-in policy. Callers may
// tweak it before passing it to Compile.
func Defaults() *Policy {
	return &Policy{
		Version: DefaultVersion,
		Velocity: VelocityPolicy{
			Limits: map[string]VelocityLimit{
				"signup":                {Max: 3, Period: 24 * time.Hour, Severity: 6},
				"login":                 {Max: 10, Period: time.Hour, Severity: 4},
				"login_failed":          {Max: 5, Period: 15 * time.Minute, Severity: 6},
				"payment_attempt":       {Max: 10, Period: time.Hour, Severity: 6},
				"payment_method_change": {Max: 3, Period: 24 * time.Hour, Severity: 7},
				"withdrawal_request":    {Max: 3, Period: 24 * time.Hour, Severity: 7},
				"profile_edit":          {Max: 20, Period: 24 * time.Hour, Severity: 3},
				"password_reset":        {Max: 5, Period: time.Hour, Severity: 6},
				"device_registration":   {Max: 5, Period: 24 * time.Hour, Severity: 5},
				"message_send":          {Max: 100, Period: time.Hour, Severity: 2},
				"shift_application":     {Max: 50, Period: 24 * time.Hour, Severity: 3},
			},
			APIMultiplier: 0.5,
		},
		Risk: RiskPolicy{
			SignalMultiplier:    2.0,
			Lookback:            30 * 24 * time.Hour,
			StaleAfter:          time.Hour,
			FreshnessSampleRate: 0.05,
			Weights: RiskWeights{
				NewAccountDays:     7,
				NewAccount:         20,
				YoungAccountDays:   30,
				YoungAccount:       10,
				ProfileCompletePct: 60,
				IncompleteProfile:  10,
				UnverifiedEmail:    10,
				UnverifiedPhone:    5,
				NoIDVerification:   15,
				DeviceOverage:      10,
				PerFailedPayment:   5,
				FailedPaymentCap:   25,
			},
			Thresholds: RiskThresholds{Critical: 80, High: 60, Medium: 30},
		},
		Decision: DecisionPolicy{
			BlockThreshold:             9,
			AdminNotificationThreshold: 8,
			SensitiveActions: []string{
				"withdrawal_request",
				"payment_method_change",
				"password_change",
				"email_change",
				"phone_change",
				"payout_*",
				"bank_account_*",
			},
			SensitiveRoutes: []string{
				"/api/*/withdrawals",
				"/api/*/withdrawals/**",
				"/api/*/payments/methods/**",
				"/api/*/account/credentials/**",
				"/api/*/payouts/**",
			},
		},
		Device: DevicePolicy{
			AutoTrustThreshold:   3,
			MaxTrustedDevices:    5,
			ExcessDeviceSeverity: 3,
		},
		Travel: TravelPolicy{
			ImpossibleSpeedKMH:  900,
			DistanceThresholdKM: 100,
			SeverityFloor:       5,
			SaturationRatio:     5,
		},
		Retention: RetentionPolicy{
			RetentionDays:  90,
			LocationWindow: 30 * 24 * time.Hour,
		},
		Cache: CachePolicy{
			CounterTTL: 48 * time.Hour,
		},
	}
}

// Default returns the compiled built-in policy.
func Default() *Policy {
	p, err := Compile(Defaults())
	if err != nil {
		panic("policy: built-in defaults do not compile: " + err.Error())
	}
	return p
}
