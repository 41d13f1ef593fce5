package store

import "encoding/json"

func firstPublisherID(in RegisterInput) string { return in.PublisherID }
func firstPublisherType(in RegisterInput) string {
	if in.PublisherType == "" {
		return "user"
	}
	return in.PublisherType
}
func firstPublisherRepo(in RegisterInput) string     { return in.PublisherRepo }
func firstPublisherWorkflow(in RegisterInput) string { return in.PublisherWorkflow }

func registerAuditDetails(in RegisterInput) ([]byte, error) {
	filenames := make([]string, 0, len(in.Distributions))
	for _, d := range in.Distributions {
		filenames = append(filenames, d.Filename)
	}
	return json.Marshal(map[string]any{
		"version":           in.Version.Version,
		"distributions":     filenames,
		"source_repository": in.Version.SourceRepository,
		"source_commit":     in.Version.SourceCommit,
	})
}

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }
