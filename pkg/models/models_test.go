package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	assert.Equal(t, "00:00:00", Clock(0))
	assert.Equal(t, "00:00:15", Clock(15))
	assert.Equal(t, "00:01:05", Clock(65.7))
	assert.Equal(t, "01:01:01", Clock(3661))
	assert.Equal(t, "00:00:00", Clock(-3))
}

func TestCloneIsDeep(t *testing.T) {
	v := 3
	now := time.Now()
	c := &Claim{
		ID:               "run-1:0000",
		DetectionReasons: []string{ReasonContainsNumber},
		Sources:          []Source{{Publisher: "PolitiFact"}},
		ApprovedVersion:  &v,
		ApprovedAt:       &now,
	}

	clone := c.Clone()
	clone.DetectionReasons[0] = "mutated"
	clone.Sources[0].Publisher = "mutated"
	*clone.ApprovedVersion = 99

	assert.Equal(t, ReasonContainsNumber, c.DetectionReasons[0])
	assert.Equal(t, "PolitiFact", c.Sources[0].Publisher)
	assert.Equal(t, 3, *c.ApprovedVersion)
}

func TestValidTag(t *testing.T) {
	assert.True(t, ValidTag("numeric_factual"))
	assert.True(t, ValidTag("simple_policy"))
	assert.True(t, ValidTag("other"))
	assert.False(t, ValidTag("bogus"))
	assert.False(t, ValidTag(""))
}
