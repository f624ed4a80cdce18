// Package prompt holds the instructions sent to the language model.
package prompt

import "strings"

// Chat is the system prompt for conversational replies.
const Chat = `You are an AI Assistant experienced in React Development.
GUIDELINES:
- Tell the user what you're building.
- Keep your response under 15 lines.
- Skip code examples and commentary.
`

// CodeGen is appended to the user's request when asking for a project.
const CodeGen = "Generate a production-ready React project using Vite.\n\n" +
	"✅ GUIDELINES:\n" +
	"- DO NOT include a `src` folder — place all files directly in the root of the project.\n" +
	"- Use Tailwind CSS for styling.\n" +
	"- Use .js file extensions.\n" +
	"- Create multiple components, organizing them in folders only if needed.\n" +
	"- All pages and components must be visually appealing and well-designed — avoid boilerplate or cookie-cutter styles.\n" +
	"- Use emoji icons wherever they add delight or clarity to the user experience.\n" +
	"- Use valid stock photo URLs from https://unsplash.com wherever images are appropriate (do not download them, just link).\n" +
	"- Use this placeholder image when needed: https://archive.org/download/placeholder-image/placeholder-image.jpg\n\n" +
	"🔌 You may use the following libraries only **when explicitly required** by functionality:\n" +
	"- `lucide-react` — for icons only (e.g., Heart, Shield, Clock, Users, Play, Home, Search, Menu, User, Settings, Mail, Bell, Calendar, Star, Upload, Download, Trash, Edit, Plus, Minus, Check, X, ArrowRight)\n" +
	"- `date-fns` — for date formatting\n" +
	"- `react-chartjs-2` — for charts/graphs\n" +
	"- `firebase`\n" +
	"- `@google/generative-ai`\n\n" +
	"📦 OUTPUT FORMAT:\n" +
	"Return your response in JSON format using the following schema:\n" +
	"```json\n" +
	"{\n" +
	"  \"projectTitle\": \"\",\n" +
	"  \"explanation\": \"\",\n" +
	"  \"files\": {\n" +
	"    \"/App.js\": {\n" +
	"      \"code\": \"\"\n" +
	"    },\n" +
	"    ...\n" +
	"  },\n" +
	"  \"generatedFiles\": []\n" +
	"}\n" +
	"```\n\n" +
	"📄 NOTES:\n" +
	"- The `files` object must contain the full code for each created file.\n" +
	"- The `generatedFiles` array must list all file paths (e.g., `/App.js`, `/components/Navbar.js`).\n" +
	"- Write a concise explanation summarizing the project’s structure, features, and purpose in one paragraph.\n\n" +
	"✨ Default features include:\n" +
	"- JSX syntax\n" +
	"- Tailwind CSS styling\n" +
	"- React hooks\n" +
	"- Lucide React icons\n" +
	"- No extra UI packages unless specified\n"

// BuildCode returns the code generation prompt for a user request.
func BuildCode(request string) string {
	return strings.TrimSpace(request) + " " + CodeGen
}
