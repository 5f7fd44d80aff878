package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "version", "entry_point"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9-]*$",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string"
    },
    "author": {
      "type": "string"
    },
    "license": {
      "type": "string"
    },
    "category": {
      "type": "string",
      "enum": ["security", "tools", "monitoring", "storage", "integration", "utility", "custom"]
    },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    },
    "entry_point": {
      "type": "string",
      "minLength": 1,
      "description": "Constructible unit reference (builtin:<factory> or binary:<path>)"
    },
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["plugin_id"],
        "properties": {
          "plugin_id": {
            "type": "string",
            "minLength": 1
          },
          "version": {
            "type": "string",
            "description": "Semver constraint (e.g., ^1.0.0)"
          }
        }
      }
    },
    "min_api_version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$"
    },
    "max_api_version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$"
    },
    "permissions": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": [
          "process:spawn",
          "filesystem:read",
          "filesystem:write",
          "network:http",
          "network:websocket",
          "env:read"
        ]
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "memory_mb": { "type": "integer" },
        "cpu_cores": { "type": "number" },
        "disk_mb": { "type": "integer" },
        "timeout_seconds": { "type": "integer" }
      }
    },
    "config_schema": {
      "type": "object",
      "description": "JSON Schema for plugin configuration"
    },
    "default_config": {
      "type": "object"
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "command"],
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1
          },
          "description": { "type": "string" },
          "version": { "type": "string" },
          "command": {
            "type": "string",
            "minLength": 1
          },
          "args": {
            "type": "array",
            "items": { "type": "string" }
          },
          "env": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "input_schema": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": { "type": "string" },
                "description": { "type": "string" },
                "required": { "type": "boolean" },
                "default": {},
                "enum": { "type": "array" }
              }
            }
          },
          "requires_approval": { "type": "boolean" },
          "timeout": { "type": "integer" },
          "category": { "type": "string" },
          "tags": {
            "type": "array",
            "items": { "type": "string" }
          },
          "priority": { "type": "integer" }
        }
      }
    }
  }
}`
