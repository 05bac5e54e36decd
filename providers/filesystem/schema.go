package filesystem

import "encoding/json"

var readFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the file to read"
    }
  },
  "required": ["path"],
  "additionalProperties": false
}`)

var readMultipleFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "paths": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Paths of the files to read"
    }
  },
  "required": ["paths"],
  "additionalProperties": false
}`)

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the file to write"
    },
    "content": {
      "type": "string",
      "description": "Content to write"
    }
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`)

var editFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the file to edit"
    },
    "edits": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "oldText": {
            "type": "string",
            "description": "Exact text to replace"
          },
          "newText": {
            "type": "string",
            "description": "Replacement text"
          }
        },
        "required": ["oldText", "newText"],
        "additionalProperties": false
      }
    },
    "dryRun": {
      "type": "boolean",
      "description": "Compute the diff without writing the file"
    }
  },
  "required": ["path", "edits"],
  "additionalProperties": false
}`)

var createDirectorySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the directory to create"
    }
  },
  "required": ["path"],
  "additionalProperties": false
}`)

var listDirectorySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the directory to list"
    }
  },
  "required": ["path"],
  "additionalProperties": false
}`)

var moveFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "source": {
      "type": "string",
      "description": "Current path"
    },
    "destination": {
      "type": "string",
      "description": "Target path"
    }
  },
  "required": ["source", "destination"],
  "additionalProperties": false
}`)

var searchFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {
      "type": "string",
      "description": "Glob pattern matched against paths relative to the search root"
    },
    "path": {
      "type": "string",
      "description": "Directory to search from, defaults to the first allowed root"
    },
    "exclude": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Glob patterns for paths to skip"
    }
  },
  "required": ["pattern"],
  "additionalProperties": false
}`)

var getFileInfoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path of the file or directory to inspect"
    }
  },
  "required": ["path"],
  "additionalProperties": false
}`)
