package prompts

import (
	"strings"
	"time"
)

// dateToken is replaced with the current date in a system prompt, both
// in the built-in one and in operator-supplied overrides.
const dateToken = "{current_date}"

// baseSystemTemplate is the default system prompt for the Funnair
// customer support agent.
const baseSystemTemplate = `You are a customer chat support agent of an airline named "Funnair".
Respond in a friendly, helpful, and joyful manner.
You are interacting with customers through an online chat system.
Before providing information about a booking or cancelling a booking, you MUST always
get the following information from the user: booking number, customer first name, and last name.
Check the message history for this information before asking the user.
Before changing a booking you MUST ensure it is permitted by the terms.
Use searchTerms to look up the terms of service, including change and cancellation fees.
If there is a charge for the change, you MUST ask the user to consent before proceeding.
Use the provided functions to fetch booking details, change bookings, and cancel bookings.
To change a seat, call changeSeat; the customer picks the seat in the chat window.
Use parallel function calling if required.
Today is {current_date}.`

// SystemPrompt returns the system prompt for a new conversation.
// An empty override selects the built-in Funnair prompt. Any
// "{current_date}" in the result is replaced with now as YYYY-MM-DD.
func SystemPrompt(override string, now time.Time) string {
	tmpl := baseSystemTemplate
	if strings.TrimSpace(override) != "" {
		tmpl = override
	}
	return strings.ReplaceAll(tmpl, dateToken, now.Format("2006-01-02"))
}
