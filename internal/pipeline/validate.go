package pipeline

import "bridge-exporter/internal/model"

// Reasons a record is skipped before it reaches the manager
const (
	skipSharingScope   = "sharing_scope"
	skipStudyWhitelist = "study_whitelist"
)

// skipReason returns why the record must not be exported, or "" to export it
func skipReason(req *model.ExportRequest, record *model.Record) string {
	if !record.SharingScope.Exportable() {
		return skipSharingScope
	}
	if !req.IsStudyAllowed(record.StudyID) {
		return skipStudyWhitelist
	}
	return ""
}
