package discord

import "github.com/bwmarrin/discordgo"

var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "check",
		Description: "Muestra tu actividad de voz en la ventana vigente",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        "miembro",
			Description: "Otro miembro (sólo admins)",
		}},
	},
	{
		Name:        "forcecheck",
		Description: "Evalúa el cupo de un miembro ahora mismo (admins)",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        "miembro",
			Description: "Miembro a evaluar",
			Required:    true,
		}},
	},
	{
		Name:        "devolver_cargos",
		Description: "Devuelve los roles removidos por inactividad (admins)",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "horas",
			Description: "Ventana hacia atrás en horas (default 24)",
		}},
	},
	{
		Name:        "whitelist",
		Description: "Gestiona la whitelist de inactividad (admins)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Agrega un miembro a la whitelist",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "miembro",
					Description: "Miembro a eximir",
					Required:    true,
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Saca un miembro de la whitelist",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "miembro",
					Description: "Miembro a sacar",
					Required:    true,
				}},
			},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "show", Description: "Ver la whitelist"},
		},
	},
	{
		Name:        "ranking",
		Description: "Top de actividad de voz del servidor",
	},
	{
		Name:        "cleanup",
		Description: "Poda los datos de actividad viejos (admins)",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "dias",
			Description: "Antigüedad mínima en días (default 60)",
		}},
	},
	{
		Name:        "status",
		Description: "Estado interno del bot: colas, pool, throttling (admins)",
	},
}
