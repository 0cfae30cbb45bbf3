package prompts

// Assistant is the default instruction set for the voice assistant.
const Assistant = "You are a helpful voice AI assistant. Answer every question clearly in max 2 lines. " +
	"If you don't know the answer, say 'I don't know'. You can also ask for more information if needed."

// Greeting asks the model to open the conversation.
const Greeting = "Greet the user and offer your assistance."

// ForSession resolves the instructions for a session.
func ForSession(instructions string) string {
	if instructions != "" {
		return instructions
	}
	return Assistant
}
