package header

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/catalog"
	"github.com/Joaquim-mph/optothermal/internal/engineerr"
)

func ivgSpec() catalog.ProcedureSpec {
	return catalog.ProcedureSpec{
		Name:       "IVg",
		Parameters: map[string]catalog.FieldType{"chip_number": catalog.TypeInt},
		Metadata:   map[string]catalog.FieldType{"start_time": catalog.TypeDatetime},
		Data:       map[string]catalog.FieldType{"VG": catalog.TypeFloat, "I": catalog.TypeFloat},
	}
}

const sampleRaw = "#Parameters:\n" +
	"chip_number: 7\n" +
	"#Metadata:\n" +
	"start_time: 2024-03-01T10:00:00Z\n" +
	"#Data:\n" +
	"VG,I\n" +
	"-1.0,1e-9\n" +
	"0.0,2e-9\n" +
	"1.0,3e-9\n"

func TestParseWellFormed(t *testing.T) {
	pm, err := Parse([]byte(sampleRaw), "IVg", ivgSpec(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"VG", "I"}, pm.DataOrder)
	assert.Equal(t, []float64{-1.0, 0.0, 1.0}, pm.Data["VG"].Floats())
	assert.Equal(t, int64(7), pm.Parameters["chip_number"])
	assert.True(t, pm.StartUTC.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Zero(t, pm.DroppedRows)
}

func TestParseMissingAnchorsRejected(t *testing.T) {
	raw := "chip_number: 7\nVG,I\n-1.0,1e-9\n"
	_, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{})
	require.Error(t, err)
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindMalformedHeader, ee.Kind)
}

func TestParseOutOfOrderAnchorsRejected(t *testing.T) {
	raw := "#Data:\nVG,I\n-1.0,1e-9\n#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n"
	_, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{})
	require.Error(t, err)
}

func TestParseDropsMalformedRowsByDefault(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n#Data:\nVG,I\n-1.0,1e-9\nNaNtext,2e-9\n1.0,3e-9\n"
	pm, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, pm.DroppedRows)
	assert.Equal(t, []float64{-1.0, 1.0}, pm.Data["VG"].Floats())
}

func TestParseStrictRejectsMalformedRow(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n#Data:\nVG,I\nNaNtext,2e-9\n"
	_, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{Strict: true})
	require.Error(t, err)
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindTypeCoercion, ee.Kind)
}

func TestParseUnknownDataColumnTolerance(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n#Data:\nVG,I,Extra\n-1.0,1e-9,foo\n"
	pm, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{})
	require.NoError(t, err)
	assert.Contains(t, pm.DataOrder, "Extra")
}

func TestParseStrictDataDropsUnknownColumn(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n#Data:\nVG,I,Extra\n-1.0,1e-9,foo\n"
	pm, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{StrictData: true})
	require.NoError(t, err)
	assert.NotContains(t, pm.DataOrder, "Extra")
}

func TestParseZonedStartTimeNotShiftedByLocalTZ(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01T10:00:00Z\n#Data:\nVG,I\n-1.0,1e-9\n"
	santiago, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	pm, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{LocalTZ: santiago})
	require.NoError(t, err)
	assert.True(t, pm.StartUTC.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		"a timestamp literal carrying Z must not be shifted by localTZ")
}

func TestParseNaiveStartTimeInterpretedInLocalTZ(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\nstart_time: 2024-03-01 10:00:00\n#Data:\nVG,I\n-1.0,1e-9\n"
	santiago, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	pm, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{LocalTZ: santiago})
	require.NoError(t, err)
	wantLocal := time.Date(2024, 3, 1, 10, 0, 0, 0, santiago)
	assert.True(t, pm.StartUTC.Equal(wantLocal.UTC()),
		"a naive timestamp literal must be interpreted in localTZ, not left as a bare UTC wall clock")
}

func TestParseMissingStartTimeRejected(t *testing.T) {
	raw := "#Parameters:\nchip_number: 7\n#Metadata:\n#Data:\nVG,I\n-1.0,1e-9\n"
	_, err := Parse([]byte(raw), "IVg", ivgSpec(), Options{})
	require.Error(t, err)
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindMalformedHeader, ee.Kind)
}
