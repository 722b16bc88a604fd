package vision

import (
	"encoding/json"
	"fmt"
	"strings"
)

const describePrompt = "Describe this image in as much detail as possible, so that someone reading " +
	"the description understands the image without seeing it. Include all text that appears in the image."

const tagsSystemPrompt = `# Task:
Select the most relevant tags for an image based on its description.

# Instructions:
1. Read the provided image description.
2. Select UP TO %d tags from this list: %s
3. Only use tags from the list. Never create new tags.
4. Reply in JSON with the key "names".

# Output format:
{"names": ["tag1", "tag2"]} or {"names": ["tag1"]}`

const keywordsSystemPrompt = `# Task:
Pick short keywords that describe an image based on its description.

# Instructions:
1. Read the provided image description.
2. Return UP TO %d lowercase keywords of one or two words each.
3. Reply in JSON with the key "names".

# Output format:
{"names": ["keyword1", "keyword2"]}`

func tagsSystemMessage(vocabulary []string, maxTags int) string {
	if len(vocabulary) == 0 {
		return fmt.Sprintf(keywordsSystemPrompt, maxTags)
	}
	list, _ := json.Marshal(vocabulary)
	return fmt.Sprintf(tagsSystemPrompt, maxTags, list)
}

func tagsUserMessage(description string, vocabulary []string) string {
	var b strings.Builder
	b.WriteString("## Input: ")
	b.WriteString(description)
	if len(vocabulary) > 0 {
		list, _ := json.Marshal(vocabulary)
		b.WriteString("\n\n## Tag list:\n\n")
		b.Write(list)
	}
	b.WriteString("\n\nOutput:\n\n")
	return b.String()
}
