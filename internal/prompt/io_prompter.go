package prompt

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// IOIntegerPrompter reads numeric answers from an io.Reader.
type IOIntegerPrompter struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewIOIntegerPrompter constructs a prompter from the provided reader and writer.
func NewIOIntegerPrompter(input io.Reader, output io.Writer) *IOIntegerPrompter {
	return &IOIntegerPrompter{reader: bufio.NewReader(input), writer: output}
}

// PromptForInteger writes the prompt and returns the trimmed answer, or the default when the answer is blank.
// Validation is left to the caller so that it can re-prompt with its own message.
func (prompter *IOIntegerPrompter) PromptForInteger(message string, defaultValue string) (string, error) {
	if prompter.writer != nil {
		if _, writeError := io.WriteString(prompter.writer, message); writeError != nil {
			return "", writeError
		}
	}

	response, readError := prompter.reader.ReadString('\n')
	if readError != nil {
		if !errors.Is(readError, io.EOF) || len(response) == 0 {
			return "", readError
		}
	}

	trimmedResponse := strings.TrimSpace(response)
	if len(trimmedResponse) == 0 {
		return defaultValue, nil
	}
	return trimmedResponse, nil
}
