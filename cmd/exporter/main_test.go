package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bridge-exporter/internal/model"
)

func TestRequestFlags(t *testing.T) {
	f := requestFlags{date: "2026-10-14", studies: []string{"s1"}, tables: []string{"s1/walk/2"}}
	req, err := f.request()
	require.NoError(t, err)
	require.Equal(t, "2026-10-14", req.Date)
	require.Equal(t, []model.SchemaKey{{StudyID: "s1", SchemaID: "walk", Revision: 2}}, req.TableWhitelist)

	f = requestFlags{start: "2026-10-14T00:00:00Z", end: "2026-10-15T00:00:00Z"}
	req, err = f.request()
	require.NoError(t, err)
	require.Equal(t, []string{"2026-10-14"}, req.UploadDates())

	_, err = (&requestFlags{}).request()
	require.Error(t, err)

	_, err = (&requestFlags{date: "2026-10-14", tables: []string{"walk"}}).request()
	require.Error(t, err)
}
