package attestation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	preparationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestation_enrollment_preparations_total",
		Help: "Enrollment preparations by result.",
	}, []string{"result"})

	enrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestation_enrollments_total",
		Help: "Enrollment responses processed, by Privacy CA and result.",
	}, []string{"pca", "result"})

	certificatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestation_certificate_requests_total",
		Help: "Certificate responses processed, by result.",
	}, []string{"result"})

	temporalIndexExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attestation_temporal_index_exhausted_total",
		Help: "Temporal indices assigned after every index was taken by another user.",
	})

	verificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestation_verification_failures_total",
		Help: "Failed self-verification steps.",
	}, []string{"check"})
)
