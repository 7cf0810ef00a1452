package model

// Scalar is one named teardown statistic of a vehicle node.
type Scalar struct {
	Name  string
	Value float64
}

// Names of the seven scalars every vehicle exports at teardown, in export order.
const (
	ScalarViolationReportsSent  = "Total Violation Reports Sent"
	ScalarValidationReportsSent = "Total Validation Reports Sent"
	ScalarAcceptedReports       = "Total Accepted Reports"
	ScalarRejectedReports       = "Total Rejected Reports"
	ScalarComputationalOverhead = "Total Computational Overhead (ms)"
	ScalarCommunicationOverhead = "Total Communication Overhead (ms)"
	ScalarSignatureVerification = "Total Signature Verification Time (ms)"
)

// ScalarNames lists the teardown scalar names in export order.
var ScalarNames = []string{
	ScalarViolationReportsSent,
	ScalarValidationReportsSent,
	ScalarAcceptedReports,
	ScalarRejectedReports,
	ScalarComputationalOverhead,
	ScalarCommunicationOverhead,
	ScalarSignatureVerification,
}
