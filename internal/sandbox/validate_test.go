package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateProgramAccepts(t *testing.T) {
	program := `
import (
	"strconv"
	"strings"
)

func Transform(input string) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(f*100), 10), nil
}`
	assert.NoError(t, ValidateProgram(program))
}

func TestValidateProgramRejectsForbiddenImports(t *testing.T) {
	cases := map[string]string{
		"os": `
import "os"
func Transform(input string) (string, error) { return os.Getenv("HOME"), nil }`,
		"net/http": `
import "net/http"
func Transform(input string) (string, error) { _, err := http.Get(input); return "", err }`,
		"os/exec": `
import "os/exec"
func Transform(input string) (string, error) { return "", exec.Command(input).Run() }`,
		"math/rand": `
import "math/rand"
func Transform(input string) (string, error) { return "", nil }
var _ = rand.Int`,
	}

	for name, program := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateProgram(program)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "forbidden import")
		})
	}
}

func TestValidateProgramRejectsClockReads(t *testing.T) {
	program := `
import "time"
func Transform(input string) (string, error) {
	return time.Now().String(), nil
}`
	err := ValidateProgram(program)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "time.Now")
}

func TestValidateProgramRejectsAliasedClockReads(t *testing.T) {
	program := `
import t "time"
func Transform(input string) (string, error) {
	return t.Now().String(), nil
}`
	err := ValidateProgram(program)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "t.Now")
}

func TestValidateProgramRejectsDotImports(t *testing.T) {
	program := `
import . "time"
func Transform(input string) (string, error) {
	return Now().String(), nil
}`
	err := ValidateProgram(program)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dot import")
}

func TestValidateProgramAllowsTimeParsing(t *testing.T) {
	program := `
import "time"
func Transform(input string) (string, error) {
	ts, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return "", err
	}
	return ts.UTC().Format(time.RFC3339), nil
}`
	assert.NoError(t, ValidateProgram(program))
}

func TestValidateProgramRejectsGoroutines(t *testing.T) {
	program := `
func Transform(input string) (string, error) {
	go func() {}()
	return input, nil
}`
	err := ValidateProgram(program)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "goroutines")
}

func TestValidateProgramRequiresTransform(t *testing.T) {
	err := ValidateProgram(`func Other(input string) (string, error) { return input, nil }`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Transform")
}

func TestValidateProgramRejectsUnparseable(t *testing.T) {
	err := ValidateProgram(`func Transform(`)
	assert.Error(t, err)
}
