// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package iso_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusedge/mqttproto/iso"
)

type (
	types struct {
		Date     iso.Date
		DateTime iso.DateTime
		Duration iso.Duration
		Time     iso.Time
		Payload  iso.ByteSlice
	}

	strs struct {
		Date     string
		DateTime string
		Duration string
		Time     string
		Payload  string
	}
)

func TestTypes(t *testing.T) {
	utc := time.Unix(2e9, 0).UTC()
	d := time.Minute + time.Second

	in := types{
		Date:     iso.Date(utc),
		DateTime: iso.DateTime(utc),
		Duration: iso.Duration(d),
		Time:     iso.Time(utc),
		Payload:  iso.ByteSlice("hello"),
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var str strs
	require.NoError(t, json.Unmarshal(b, &str))

	require.Equal(t, "2033-05-18", str.Date)
	require.Equal(t, "2033-05-18T03:33:20Z", str.DateTime)
	require.Equal(t, "PT1M1S", str.Duration)
	require.Equal(t, "03:33:20Z", str.Time)
	require.Equal(t, "aGVsbG8=", str.Payload)

	var out types
	require.NoError(t, json.Unmarshal(b, &out))

	dateOnly := time.Date(2033, 5, 18, 0, 0, 0, 0, time.UTC)
	timeOnly := time.Date(1, 1, 1, 3, 33, 20, 0, time.UTC)

	require.Equal(t, dateOnly, time.Time(out.Date))
	require.Equal(t, utc, time.Time(out.DateTime))
	require.Equal(t, d, time.Duration(out.Duration))
	require.Equal(t, timeOnly, time.Time(out.Time))
	require.Equal(t, []byte("hello"), []byte(out.Payload))
}

func TestDateRoundTripsWithoutTime(t *testing.T) {
	var d iso.Date
	require.NoError(t, d.UnmarshalText([]byte("2024-01-15")))
	require.Equal(t, "2024-01-15", d.String())
}

func TestDurationRejectsMalformed(t *testing.T) {
	var d iso.Duration
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
